package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValkeyProvider implements Provider backed by a Valkey/Redis-compatible
// server, speaking just enough RESP for GET/SET/DEL.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// ValkeyConfig holds connection parameters for the snapshot store.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// NewValkeyProvider creates a Provider using the supplied configuration. It
// pings the target to fail fast on bad credentials or connectivity.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	p := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := p.ping(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := p.roundTrip(ctx, func(c *respConn) error {
		if err := c.command("GET", key); err != nil {
			return err
		}
		value, err := c.read()
		if err != nil {
			return err
		}
		if value.missing() {
			return ErrCacheMiss
		}
		if !value.bulk() {
			return fmt.Errorf("unexpected GET reply type %q", value.prefix)
		}
		payload = value.data
		return nil
	})
	return payload, err
}

// Set stores bytes with the provided TTL (0 means no expiry).
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.roundTrip(ctx, func(c *respConn) error {
		args := []string{key, string(value)}
		if ttl > 0 {
			args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
		}
		if err := c.command("SET", args...); err != nil {
			return err
		}
		reply, err := c.read()
		if err != nil {
			return err
		}
		if !reply.ok() {
			return fmt.Errorf("unexpected SET reply: %s", reply.data)
		}
		return nil
	})
}

// Del removes a key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	return p.roundTrip(ctx, func(c *respConn) error {
		if err := c.command("DEL", key); err != nil {
			return err
		}
		_, err := c.read()
		return err
	})
}

// Close is a no-op: connections are per-call.
func (p *ValkeyProvider) Close() error { return nil }

func (p *ValkeyProvider) ping(ctx context.Context) error {
	return p.roundTrip(ctx, func(c *respConn) error {
		if err := c.command("PING"); err != nil {
			return err
		}
		reply, err := c.read()
		if err != nil {
			return err
		}
		if reply.prefix != '+' || string(reply.data) != "PONG" {
			return fmt.Errorf("unexpected PING reply: %s", reply.data)
		}
		return nil
	})
}

// roundTrip dials, authenticates, runs fn, and retries transient failures
// with exponential backoff.
func (p *ValkeyProvider) roundTrip(ctx context.Context, fn func(*respConn) error) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c, err := p.dial(ctx)
		if err == nil {
			err = p.handshake(c)
			if err == nil {
				err = fn(c)
			}
			c.close()
		}
		if err == nil {
			return nil
		}

		lastErr = err
		if !transient(err) || attempt == p.cfg.MaxRetries-1 {
			return err
		}
		time.Sleep(time.Duration(1<<attempt) * 25 * time.Millisecond)
	}
	return lastErr
}

func (p *ValkeyProvider) dial(ctx context.Context) (*respConn, error) {
	timeout := p.cfg.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	dialer := net.Dialer{Timeout: timeout}

	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host := p.cfg.Addr
		if h, _, splitErr := net.SplitHostPort(p.cfg.Addr); splitErr == nil {
			host = h
		}
		conn, err = tls.DialWithDialer(&dialer, "tcp", p.cfg.Addr, &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: host,
		})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}

	return &respConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		readTimeout:  p.cfg.ReadTimeout,
		writeTimeout: p.cfg.WriteTimeout,
	}, nil
}

// handshake runs AUTH and SELECT when configured.
func (p *ValkeyProvider) handshake(c *respConn) error {
	if p.cfg.Password != "" {
		args := []string{p.cfg.Password}
		if p.cfg.Username != "" {
			args = []string{p.cfg.Username, p.cfg.Password}
		}
		if err := c.command("AUTH", args...); err != nil {
			return err
		}
		reply, err := c.read()
		if err != nil {
			return err
		}
		if !reply.ok() {
			return fmt.Errorf("auth failed: %s", reply.data)
		}
	}
	if p.cfg.DB > 0 {
		if err := c.command("SELECT", strconv.Itoa(p.cfg.DB)); err != nil {
			return err
		}
		reply, err := c.read()
		if err != nil {
			return err
		}
		if !reply.ok() {
			return fmt.Errorf("select failed: %s", reply.data)
		}
	}
	return nil
}

func transient(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// respConn wraps a network connection with RESP encode/decode helpers.
type respConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// respValue is one decoded RESP reply.
type respValue struct {
	prefix byte
	data   []byte
	isNil  bool
}

func (v respValue) ok() bool   { return v.prefix == '+' && strings.EqualFold(string(v.data), "OK") }
func (v respValue) missing() bool { return v.isNil }
func (v respValue) bulk() bool { return v.prefix == '$' }

func (c *respConn) close() { _ = c.conn.Close() }

// command writes one RESP array of bulk strings.
func (c *respConn) command(name string, args ...string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	fmt.Fprintf(c.writer, "*%d\r\n", len(args)+1)
	writeBulk(c.writer, name)
	for _, arg := range args {
		writeBulk(c.writer, arg)
	}
	return c.writer.Flush()
}

func writeBulk(w *bufio.Writer, s string) {
	fmt.Fprintf(w, "$%d\r\n", len(s))
	w.WriteString(s)
	w.WriteString("\r\n")
}

func (c *respConn) read() (respValue, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return respValue{}, err
	}

	prefix, err := c.reader.ReadByte()
	if err != nil {
		return respValue{}, err
	}
	line, err := c.line()
	if err != nil {
		return respValue{}, err
	}

	switch prefix {
	case '+', ':':
		return respValue{prefix: prefix, data: line}, nil
	case '-':
		return respValue{}, errors.New(string(line))
	case '$':
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return respValue{}, err
		}
		if size < 0 {
			return respValue{prefix: prefix, isNil: true}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.reader, buf); err != nil {
			return respValue{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return respValue{}, errors.New("invalid bulk termination")
		}
		return respValue{prefix: prefix, data: buf[:size]}, nil
	default:
		return respValue{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (c *respConn) line() ([]byte, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
