package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

const keepAliveRequest = "keepalive@openssh.com"

var errNotConnected = errors.New("not connected")

// Client holds one SSH connection and opens protocol streams on it.
type Client struct {
	cfg *Config

	mu        sync.Mutex
	conn      *ssh.Client
	jump      *ssh.Client
	since     time.Time
	lastUsed  time.Time
	streams   int
	stopAlive context.CancelFunc
}

// NewClient validates cfg and returns an unconnected client.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ssh config: %w", err)
	}
	return &Client{cfg: cfg}, nil
}

// Dial connects and opens one protocol stream. Closing the stream closes
// the connection too.
func Dial(ctx context.Context, cfg *Config) (io.ReadWriteCloser, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	s, err := c.OpenStream(ctx)
	if err != nil {
		_ = c.Disconnect()
		return nil, err
	}
	s.owner = c
	return s, nil
}

// Connect logs in to the target, through the jump host when one is
// configured. A live connection is reused.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if ping(c.conn) == nil {
			return nil
		}
		log.Warn().Str("address", c.cfg.Address()).Msg("SSH connection lost, reconnecting")
		_ = c.teardown()
	}

	var jump *ssh.Client
	if c.cfg.Jump != nil {
		var err error
		if jump, err = c.hop(ctx, "connect-jump", c.cfg.Jump, nil); err != nil {
			return err
		}
	}
	conn, err := c.hop(ctx, "connect", &c.cfg.Endpoint, jump)
	if err != nil {
		if jump != nil {
			_ = jump.Close()
		}
		return err
	}

	c.conn, c.jump = conn, jump
	c.since = time.Now()
	c.lastUsed = c.since
	if c.cfg.KeepAlive > 0 {
		actx, cancel := context.WithCancel(context.Background())
		c.stopAlive = cancel
		go c.keepAlive(actx, conn)
	}

	ev := log.Info().Str("address", c.cfg.Address())
	if jump != nil {
		ev = ev.Str("jump", c.cfg.Jump.Address())
	}
	ev.Msg("SSH connection established")
	return nil
}

// hop opens an SSH connection to e, tunnelled through via when it is set.
func (c *Client) hop(ctx context.Context, op string, e *Endpoint, via *ssh.Client) (*ssh.Client, error) {
	cc, err := c.cfg.clientConfig(e)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err, Auth: true}
	}

	addr := e.Address()
	log.Debug().Str("address", addr).Str("op", op).Msg("dialing")

	var nc net.Conn
	if via != nil {
		nc, err = via.DialContext(ctx, "tcp", addr)
	} else {
		d := net.Dialer{Timeout: c.cfg.Timeout}
		nc, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &TransportError{Op: op, Err: err, Retryable: true}
	}

	// The handshake takes no context; closing the conn aborts it.
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	_ = nc.SetDeadline(time.Now().Add(c.cfg.Timeout))
	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, cc)
	if !stop() {
		if err == nil {
			_ = sc.Close()
		}
		return nil, &TransportError{Op: op, Err: ctx.Err(), Retryable: true}
	}
	if err != nil {
		_ = nc.Close()
		return nil, &TransportError{
			Op:        op,
			Err:       err,
			Retryable: true,
			Auth:      strings.Contains(err.Error(), "unable to authenticate"),
		}
	}
	_ = nc.SetDeadline(time.Time{})
	return ssh.NewClient(sc, chans, reqs), nil
}

// OpenStream starts the server command and returns its stdio.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	conn, err := c.active()
	if err != nil {
		return nil, &TransportError{Op: "open-stream", Err: err}
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "open-stream", Err: err, Retryable: true}
	}
	fail := func(err error) (*Stream, error) {
		_ = session.Close()
		return nil, &TransportError{Op: "open-stream", Err: err}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return fail(err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fail(err)
	}
	s := &Stream{session: session, stdin: stdin, stdout: stdout}
	session.Stderr = &s.stderr

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := session.Start(c.cfg.Command); err != nil {
		return fail(err)
	}

	c.mu.Lock()
	c.streams++
	c.mu.Unlock()

	log.Debug().Str("command", c.cfg.Command).Msg("protocol stream opened")
	return s, nil
}

// Disconnect closes the connection. Calling it again is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	log.Debug().Str("address", c.cfg.Address()).Msg("closing SSH connection")
	if err := c.teardown(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// teardown releases the connection. Called with mu held.
func (c *Client) teardown() error {
	if c.stopAlive != nil {
		c.stopAlive()
		c.stopAlive = nil
	}
	err := c.conn.Close()
	if c.jump != nil {
		_ = c.jump.Close()
	}
	c.conn, c.jump = nil, nil
	return err
}

// IsConnected reports whether Connect succeeded and Disconnect has not run.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// HealthCheck sends a keep-alive and waits for the answer.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return &TransportError{Op: "healthcheck", Err: errNotConnected}
	}
	done := make(chan error, 1)
	go func() { done <- ping(conn) }()
	select {
	case <-ctx.Done():
		return &TransportError{Op: "healthcheck", Err: ctx.Err(), Retryable: true}
	case err := <-done:
		if err != nil {
			return &TransportError{Op: "healthcheck", Err: err, Retryable: true}
		}
		return nil
	}
}

func ping(conn *ssh.Client) error {
	_, _, err := conn.SendRequest(keepAliveRequest, true, nil)
	return err
}

// keepAlive pings conn every KeepAlive until ctx ends or KeepAliveMisses
// pings in a row fail.
func (c *Client) keepAlive(ctx context.Context, conn *ssh.Client) {
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := ping(conn); err != nil {
			misses++
			log.Warn().Err(err).Int("misses", misses).Msg("keep-alive failed")
			if misses >= c.cfg.KeepAliveMisses {
				log.Error().Str("address", c.cfg.Address()).Msg("keep-alive gave up, connection presumed dead")
				return
			}
			continue
		}
		misses = 0
		c.mu.Lock()
		c.lastUsed = time.Now()
		c.mu.Unlock()
	}
}

// Info describes the current connection.
func (c *Client) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := ConnectionInfo{
		Address:      c.cfg.Address(),
		User:         c.cfg.User,
		ConnectedAt:  c.since,
		LastActivity: c.lastUsed,
		Streams:      c.streams,
	}
	if c.cfg.Jump != nil {
		info.Jump = c.cfg.Jump.Address()
	}
	return info
}

func (c *Client) active() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errNotConnected
	}
	c.lastUsed = time.Now()
	return c.conn, nil
}
