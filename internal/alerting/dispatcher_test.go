package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/models"
)

type channelStub struct {
	name string
	err  error

	mu   sync.Mutex
	sent []models.Alert
}

func (c *channelStub) Name() string { return c.name }

func (c *channelStub) Send(_ context.Context, alert models.Alert) error {
	c.mu.Lock()
	c.sent = append(c.sent, alert)
	c.mu.Unlock()
	return c.err
}

func (c *channelStub) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func testConfig() Config {
	return Config{
		CooldownCritical: 5 * time.Minute,
		CooldownDefault:  15 * time.Minute,
		RecentCapacity:   1000,
		RecentRetention:  24 * time.Hour,
		SendTimeout:      time.Second,
	}
}

func TestCreateFansOut(t *testing.T) {
	d := NewDispatcher(nil, testConfig())
	a := &channelStub{name: "a"}
	b := &channelStub{name: "b"}
	d.RegisterChannel(a)
	d.RegisterChannel(b)

	d.Create("error_rate", models.SeverityHigh, "global", map[string]any{"rate": 0.1})

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("fan-out counts = %d/%d, want 1/1", a.count(), b.count())
	}
	if a.sent[0].ID == "" || a.sent[0].Subject != "global" {
		t.Fatalf("malformed alert: %+v", a.sent[0])
	}
}

func TestCooldownDedupe(t *testing.T) {
	d := NewDispatcher(nil, testConfig())
	ch := &channelStub{name: "a"}
	d.RegisterChannel(ch)

	clock := time.Now()
	d.now = func() time.Time { return clock }

	d.Create("error_rate", models.SeverityHigh, "global", nil)
	d.Create("error_rate", models.SeverityHigh, "global", nil)
	if ch.count() != 1 {
		t.Fatalf("duplicate inside cooldown delivered: %d", ch.count())
	}

	// Different subject is a different dedupe key.
	d.Create("error_rate", models.SeverityHigh, "op-1", nil)
	if ch.count() != 2 {
		t.Fatalf("distinct subject suppressed: %d", ch.count())
	}

	// Past the window the same key fires again.
	clock = clock.Add(16 * time.Minute)
	d.Create("error_rate", models.SeverityHigh, "global", nil)
	if ch.count() != 3 {
		t.Fatalf("expired cooldown still suppressing: %d", ch.count())
	}
}

func TestCriticalCooldownShorter(t *testing.T) {
	d := NewDispatcher(nil, testConfig())
	ch := &channelStub{name: "a"}
	d.RegisterChannel(ch)

	clock := time.Now()
	d.now = func() time.Time { return clock }

	d.Create("critical_error", models.SeverityCritical, "fp-1", nil)
	clock = clock.Add(6 * time.Minute)
	d.Create("critical_error", models.SeverityCritical, "fp-1", nil)
	if ch.count() != 2 {
		t.Fatalf("critical alert suppressed past its 5m window: %d", ch.count())
	}
}

func TestChannelFailureIsolated(t *testing.T) {
	d := NewDispatcher(nil, testConfig())
	bad := &channelStub{name: "bad", err: errors.New("unreachable")}
	good := &channelStub{name: "good"}
	d.RegisterChannel(bad)
	d.RegisterChannel(good)

	d.Create("error_spike", models.SeverityHigh, "global", nil)

	if good.count() != 1 {
		t.Fatalf("healthy channel starved by failing sibling")
	}
}

func TestCreateIgnoresEmptyType(t *testing.T) {
	d := NewDispatcher(nil, testConfig())
	ch := &channelStub{name: "a"}
	d.RegisterChannel(ch)

	d.Create("", models.SeverityHigh, "global", nil)
	if ch.count() != 0 {
		t.Fatalf("empty alert type delivered")
	}
}

func TestEmptySubjectDefaultsToGlobal(t *testing.T) {
	d := NewDispatcher(nil, testConfig())
	ch := &channelStub{name: "a"}
	d.RegisterChannel(ch)

	d.Create("error_rate", models.SeverityHigh, "", nil)
	if ch.sent[0].Subject != models.SubjectGlobal {
		t.Fatalf("subject = %q, want global", ch.sent[0].Subject)
	}
}

func TestListRecent(t *testing.T) {
	d := NewDispatcher(nil, testConfig())

	clock := time.Now()
	d.now = func() time.Time { return clock }

	d.Create("error_rate", models.SeverityHigh, "a", nil)
	clock = clock.Add(20 * time.Minute)
	d.Create("error_rate", models.SeverityHigh, "b", nil)

	all := d.ListRecent(time.Hour)
	if len(all) != 2 {
		t.Fatalf("recent = %d, want 2", len(all))
	}
	fresh := d.ListRecent(10 * time.Minute)
	if len(fresh) != 1 || fresh[0].Subject != "b" {
		t.Fatalf("trailing window wrong: %+v", fresh)
	}
}

func TestRecentBounded(t *testing.T) {
	cfg := testConfig()
	cfg.RecentCapacity = 3
	d := NewDispatcher(nil, cfg)

	clock := time.Now()
	d.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		// Distinct subjects avoid cooldown suppression.
		d.Create("error_rate", models.SeverityHigh, string(rune('a'+i)), nil)
	}
	if got := len(d.ListRecent(time.Hour)); got != 3 {
		t.Fatalf("recent list = %d, want 3", got)
	}
}

func TestSweep(t *testing.T) {
	cfg := testConfig()
	cfg.RecentRetention = time.Hour
	d := NewDispatcher(nil, cfg)

	clock := time.Now()
	d.now = func() time.Time { return clock }

	d.Create("error_rate", models.SeverityHigh, "a", nil)
	clock = clock.Add(2 * time.Hour)
	d.Sweep()

	if got := len(d.ListRecent(24 * time.Hour)); got != 0 {
		t.Fatalf("retention sweep kept %d alerts", got)
	}

	// The cooldown entry was swept too, so the same key fires again.
	ch := &channelStub{name: "a"}
	d.RegisterChannel(ch)
	d.Create("error_rate", models.SeverityHigh, "a", nil)
	if ch.count() != 1 {
		t.Fatalf("cooldown entry survived sweep")
	}
}

func TestStatusCounters(t *testing.T) {
	d := NewDispatcher(nil, testConfig())
	clock := time.Now()
	d.now = func() time.Time { return clock }

	d.Create("error_rate", models.SeverityHigh, "a", nil)
	d.Create("error_rate", models.SeverityHigh, "a", nil) // suppressed

	st := d.Status()
	if st.Counters["created"] != 1 || st.Counters["suppressed"] != 1 {
		t.Fatalf("counters wrong: %v", st.Counters)
	}
	if !st.Healthy || !st.Initialized {
		t.Fatalf("dispatcher must report healthy")
	}
}
