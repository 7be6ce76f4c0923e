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
	"sync"
	"time"
)

const (
	defaultRedisTimeout = 5 * time.Second

	// Every key is namespaced so several services can share one Redis.
	redisKeyPrefix = "sessiond:"
)

// RedisConfig carries the connection parameters for the shared counter store.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
}

// RedisClient speaks just enough RESP for the Store interface: AUTH, SELECT,
// INCR, PEXPIRE, PTTL, GET, SET PX and DEL. One connection serves all
// callers, serialized by a mutex; a failed command drops the connection and
// the next command redials.
type RedisClient struct {
	cfg RedisConfig

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

// NewRedisClient dials eagerly so a bad address or credential fails the
// process at startup instead of on the first rate-limited request.
func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}

	client := &RedisClient{cfg: cfg}

	client.mu.Lock()
	defer client.mu.Unlock()
	if err := client.connectLocked(context.Background()); err != nil {
		return nil, err
	}
	return client, nil
}

// Close tears down the connection.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	return err
}

// IncrementWithTTL bumps the counter and pins its window on first increment.
// The remaining TTL comes from PTTL; when Redis cannot report one the full
// window is assumed rather than failing the caller.
func (c *RedisClient) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	k := c.namespaced(key)

	count, err := c.commandInt(ctx, "INCR", k)
	if err != nil {
		return 0, 0, err
	}
	if count == 1 {
		if _, err := c.commandInt(ctx, "PEXPIRE", k, millisArg(window)); err != nil {
			return 0, 0, err
		}
	}

	ttl, err := c.commandInt(ctx, "PTTL", k)
	if err != nil || ttl < 0 {
		return count, window, nil
	}
	return count, time.Duration(ttl) * time.Millisecond, nil
}

// Set stores value under key with a PX expiry.
func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.command(ctx, "SET", c.namespaced(key), string(value), "PX", millisArg(ttl))
	return err
}

// Get fetches a value; the second return reports whether the key existed.
func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	reply, err := c.command(ctx, "GET", c.namespaced(key))
	if err != nil {
		return nil, false, err
	}
	switch v := reply.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return v, true, nil
	default:
		return nil, false, fmt.Errorf("redis: GET returned %T", v)
	}
}

// Delete removes the given keys; missing keys are not an error.
func (c *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]string, 0, len(keys)+1)
	args = append(args, "DEL")
	for _, key := range keys {
		args = append(args, c.namespaced(key))
	}
	_, err := c.command(ctx, args...)
	return err
}

func (c *RedisClient) namespaced(key string) string {
	key = collapseColons(key)
	if strings.HasPrefix(key, redisKeyPrefix) {
		return key
	}
	return collapseColons(redisKeyPrefix + key)
}

func (c *RedisClient) commandInt(ctx context.Context, args ...string) (int64, error) {
	reply, err := c.command(ctx, args...)
	if err != nil {
		return 0, err
	}
	switch v := reply.(type) {
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("redis: %s returned %T", args[0], v)
	}
}

// command runs one request/response exchange. Any transport error resets
// the connection so the next call starts from a clean dial.
func (c *RedisClient) command(ctx context.Context, args ...string) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	if err := c.conn.SetDeadline(commandDeadline(ctx, c.cfg.Timeout)); err != nil {
		c.dropLocked()
		return nil, err
	}
	if _, err := c.conn.Write(encodeCommand(args)); err != nil {
		c.dropLocked()
		return nil, err
	}
	reply, err := readReply(c.rd)
	if err != nil {
		c.dropLocked()
		return nil, err
	}
	return reply, nil
}

func (c *RedisClient) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if c.cfg.TLS {
		conn, err = (&tls.Dialer{NetDialer: &net.Dialer{}}).DialContext(ctx, "tcp", c.cfg.Address)
	} else {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", c.cfg.Address)
	}
	if err != nil {
		return err
	}

	rd := bufio.NewReader(conn)
	if err := conn.SetDeadline(commandDeadline(ctx, c.cfg.Timeout)); err != nil {
		conn.Close()
		return err
	}

	if err := c.handshake(conn, rd); err != nil {
		conn.Close()
		return err
	}

	// Handshake done; individual commands set their own deadlines.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.rd = rd
	return nil
}

// handshake authenticates and selects the configured database on a fresh
// connection.
func (c *RedisClient) handshake(conn net.Conn, rd *bufio.Reader) error {
	if c.cfg.Password != "" || c.cfg.Username != "" {
		args := []string{"AUTH"}
		if c.cfg.Username != "" {
			args = append(args, c.cfg.Username, c.cfg.Password)
		} else {
			args = append(args, c.cfg.Password)
		}
		if err := expectOK(conn, rd, args); err != nil {
			return fmt.Errorf("redis: AUTH failed: %w", err)
		}
	}
	if c.cfg.DB > 0 {
		if err := expectOK(conn, rd, []string{"SELECT", strconv.Itoa(c.cfg.DB)}); err != nil {
			return fmt.Errorf("redis: SELECT failed: %w", err)
		}
	}
	return nil
}

func (c *RedisClient) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.rd = nil
}

func expectOK(conn net.Conn, rd *bufio.Reader, args []string) error {
	if _, err := conn.Write(encodeCommand(args)); err != nil {
		return err
	}
	reply, err := readReply(rd)
	if err != nil {
		return err
	}
	if s, ok := reply.(string); !ok || !strings.EqualFold(s, "OK") {
		return fmt.Errorf("unexpected reply %v", reply)
	}
	return nil
}

func commandDeadline(ctx context.Context, fallback time.Duration) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(fallback)
}

// encodeCommand renders args as a RESP array of bulk strings.
func encodeCommand(args []string) []byte {
	var b strings.Builder
	b.WriteByte('*')
	b.WriteString(strconv.Itoa(len(args)))
	b.WriteString("\r\n")
	for _, arg := range args {
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(len(arg)))
		b.WriteString("\r\n")
		b.WriteString(arg)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// readReply decodes one RESP reply. Simple strings and errors come back as
// string/error, integers as int64, bulk strings as []byte (nil bulk as
// untyped nil) and arrays as []any.
func readReply(rd *bufio.Reader) (any, error) {
	kind, err := rd.ReadByte()
	if err != nil {
		return nil, err
	}

	line, err := readReplyLine(rd)
	if err != nil {
		return nil, err
	}

	switch kind {
	case '+':
		return line, nil
	case '-':
		return nil, errors.New(line)
	case ':':
		return strconv.ParseInt(line, 10, 64)
	case '$':
		size, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if size == -1 {
			return nil, nil
		}
		// The payload is followed by its own CRLF.
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(rd, buf); err != nil {
			return nil, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return nil, errors.New("redis: malformed bulk reply")
		}
		return buf[:size], nil
	case '*':
		count, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		items := make([]any, count)
		for i := range items {
			if items[i], err = readReply(rd); err != nil {
				return nil, err
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("redis: unexpected reply type %q", kind)
	}
}

func readReplyLine(rd *bufio.Reader) (string, error) {
	line, err := rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

// millisArg renders a duration as the millisecond count PX and PEXPIRE
// expect; non-positive durations clamp to zero.
func millisArg(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// collapseColons folds runs of colons so caller-assembled keys cannot open
// up unintended namespaces.
func collapseColons(key string) string {
	if !strings.Contains(key, "::") {
		return key
	}
	var b strings.Builder
	b.Grow(len(key))
	lastColon := false
	for i := 0; i < len(key); i++ {
		ch := key[i]
		if ch == ':' && lastColon {
			continue
		}
		lastColon = ch == ':'
		b.WriteByte(ch)
	}
	return b.String()
}
