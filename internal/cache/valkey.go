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

// compareAndDeleteScript deletes KEYS[1] only while it still holds ARGV[1].
const compareAndDeleteScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
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

func (c *ValkeyConfig) normalise() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
}

// ValkeyProvider speaks RESP over a short-lived connection per command.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// NewValkeyProvider validates cfg and pings the server so misconfiguration fails at startup.
func NewValkeyProvider(ctx context.Context, cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	cfg.normalise()
	p := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	res, err := p.do(ctx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	if res.kind != kindStatus || res.text() != "PONG" {
		return nil, fmt.Errorf("valkey ping: unexpected reply %q", res.data)
	}
	return p, nil
}

// SetNX stores value only if key is absent, expiring after ttl.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := [][]byte{[]byte(key), value}
	if ttl > 0 {
		args = append(args, []byte("PX"), []byte(strconv.FormatInt(ttl.Milliseconds(), 10)))
	}
	args = append(args, []byte("NX"))

	res, err := p.do(ctx, "SET", args...)
	if err != nil {
		return false, fmt.Errorf("valkey SET NX %s: %w", key, err)
	}
	switch res.kind {
	case kindStatus:
		return true, nil
	case kindNil:
		return false, nil
	default:
		return false, fmt.Errorf("valkey SET NX %s: unexpected reply kind %q", key, res.kind)
	}
}

// CompareAndDelete removes key only if it still holds value.
func (p *ValkeyProvider) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := p.do(ctx, "EVAL", []byte(compareAndDeleteScript), []byte("1"), []byte(key), value)
	if err != nil {
		return false, fmt.Errorf("valkey release %s: %w", key, err)
	}
	if res.kind != kindInteger {
		return false, fmt.Errorf("valkey release %s: unexpected reply kind %q", key, res.kind)
	}
	return res.text() == "1", nil
}

// Close is a no-op; connections are not pooled.
func (p *ValkeyProvider) Close() error { return nil }

func (p *ValkeyProvider) do(ctx context.Context, command string, args ...[]byte) (reply, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return reply{}, err
		}
		if attempt > 0 {
			time.Sleep(time.Duration(1<<attempt) * 25 * time.Millisecond)
		}

		r, err := p.roundTrip(ctx, command, args...)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return reply{}, lastErr
}

func (p *ValkeyProvider) roundTrip(ctx context.Context, command string, args ...[]byte) (reply, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return reply{}, err
	}
	defer conn.close()

	if err := conn.handshake(p.cfg); err != nil {
		return reply{}, err
	}
	if err := conn.send(command, args...); err != nil {
		return reply{}, err
	}
	return conn.receive()
}

func (p *ValkeyProvider) dial(ctx context.Context) (*respConn, error) {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host, _, splitErr := net.SplitHostPort(p.cfg.Addr)
		if splitErr != nil {
			host = p.cfg.Addr
		}
		td := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return &respConn{
		conn:         conn,
		r:            bufio.NewReader(conn),
		w:            bufio.NewWriter(conn),
		readTimeout:  p.cfg.ReadTimeout,
		writeTimeout: p.cfg.WriteTimeout,
	}, nil
}

func retryable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type replyKind string

const (
	kindStatus  replyKind = "status"
	kindInteger replyKind = "integer"
	kindBulk    replyKind = "bulk"
	kindNil     replyKind = "nil"
)

type reply struct {
	kind replyKind
	data []byte
}

func (r reply) text() string { return string(r.data) }

type respConn struct {
	conn         net.Conn
	r            *bufio.Reader
	w            *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *respConn) close() { _ = c.conn.Close() }

func (c *respConn) handshake(cfg ValkeyConfig) error {
	if cfg.Password != "" {
		args := [][]byte{[]byte(cfg.Password)}
		if cfg.Username != "" {
			args = [][]byte{[]byte(cfg.Username), []byte(cfg.Password)}
		}
		if err := c.expectOK("AUTH", args...); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if cfg.DB > 0 {
		if err := c.expectOK("SELECT", []byte(strconv.Itoa(cfg.DB))); err != nil {
			return fmt.Errorf("select db %d: %w", cfg.DB, err)
		}
	}
	return nil
}

func (c *respConn) expectOK(command string, args ...[]byte) error {
	if err := c.send(command, args...); err != nil {
		return err
	}
	r, err := c.receive()
	if err != nil {
		return err
	}
	if r.kind != kindStatus || !strings.EqualFold(r.text(), "OK") {
		return fmt.Errorf("unexpected reply %q", r.data)
	}
	return nil
}

func (c *respConn) send(command string, args ...[]byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	fmt.Fprintf(c.w, "*%d\r\n", len(args)+1)
	writeBulk(c.w, []byte(command))
	for _, arg := range args {
		writeBulk(c.w, arg)
	}
	return c.w.Flush()
}

func writeBulk(w *bufio.Writer, b []byte) {
	fmt.Fprintf(w, "$%d\r\n", len(b))
	_, _ = w.Write(b)
	_, _ = w.WriteString("\r\n")
}

func (c *respConn) receive() (reply, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return reply{}, err
	}
	prefix, err := c.r.ReadByte()
	if err != nil {
		return reply{}, err
	}
	line, err := c.readLine()
	if err != nil {
		return reply{}, err
	}

	switch prefix {
	case '+':
		return reply{kind: kindStatus, data: line}, nil
	case ':':
		return reply{kind: kindInteger, data: line}, nil
	case '-':
		return reply{}, errors.New(string(line))
	case '_':
		return reply{kind: kindNil}, nil
	case '$':
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return reply{}, fmt.Errorf("bad bulk length %q", line)
		}
		if size < 0 {
			return reply{kind: kindNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return reply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return reply{}, errors.New("bulk reply missing CRLF")
		}
		return reply{kind: kindBulk, data: buf[:size]}, nil
	default:
		return reply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (c *respConn) readLine() ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(string(line), "\r\n")), nil
}
