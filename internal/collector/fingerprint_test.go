package collector

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

func TestNormalizeCollapsesLiterals(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"SELECT * FROM users WHERE id = 42", "select * from users where id = ?"},
		{"SELECT * FROM users WHERE id = 7", "select * from users where id = ?"},
		{"SELECT name FROM users WHERE email = 'a@b.c'", "select name from users where email = ?"},
		{`UPDATE orders SET note = "rush" WHERE id = $1`, "update orders set note = ? where id = ?"},
		{"DELETE FROM sessions WHERE token = :token", "delete from sessions where token = ?"},
		{"GET   /api/v1/users/123", "get /api/v1/users/?"},
		{"latency check 3.14 seconds", "latency check ? seconds"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeKeepsIdentifierDigits(t *testing.T) {
	// Digits embedded in identifiers are part of the name, not a literal.
	if got := Normalize("SELECT * FROM users_v2"); got != "select * from users_v2" {
		t.Fatalf("unexpected normalization: %q", got)
	}
}

func TestFingerprintGroupsStructurallyIdenticalSignatures(t *testing.T) {
	a := Fingerprint("SELECT * FROM users WHERE id = 42")
	b := Fingerprint("select * from users where id = 99")
	if a != b {
		t.Fatalf("expected identical fingerprints, got %s and %s", a, b)
	}

	c := Fingerprint("SELECT * FROM orders WHERE id = 42")
	if a == c {
		t.Fatalf("different tables must not share a fingerprint")
	}
}

func TestFingerprintLiteralInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		x := rapid.IntRange(0, 1_000_000).Draw(t, "x")
		y := rapid.IntRange(0, 1_000_000).Draw(t, "y")

		a := Fingerprint(fmt.Sprintf("SELECT * FROM events WHERE seq = %d", x))
		b := Fingerprint(fmt.Sprintf("SELECT * FROM events WHERE seq = %d", y))
		if a != b {
			t.Fatalf("numeric literal changed fingerprint: %s vs %s", a, b)
		}
	})
}

func TestFingerprintQuotedLiteralInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[a-z0-9 ]{0,32}`).Draw(t, "s")
		a := Fingerprint(fmt.Sprintf("INSERT INTO notes (body) VALUES ('%s')", s))
		b := Fingerprint("INSERT INTO notes (body) VALUES ('fixed')")
		if a != b {
			t.Fatalf("quoted literal changed fingerprint for %q", s)
		}
	})
}
