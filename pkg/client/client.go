// Package client implements tree.Authority over the JSON-lines protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/protocol"
	"github.com/simtree/simtree/pkg/telemetry"
	"github.com/simtree/simtree/pkg/tree"
)

// Client speaks the protocol over one connection. Requests are serialized:
// at most one is in flight at a time.
type Client struct {
	conn    io.ReadWriteCloser
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	ready   *protocol.ReadyMessage

	logger zerolog.Logger
	events *telemetry.EventPublisher

	mu       sync.Mutex
	closed   bool
	requests int
}

// Config contains client configuration options.
type Config struct {
	// StartupTimeout bounds the wait for READY. Defaults to 10s.
	StartupTimeout time.Duration
	Logger         zerolog.Logger
	// Events receives command progress reported by the server.
	Events *telemetry.EventPublisher
}

// New waits for the server's READY on conn and returns a client. On
// failure conn is closed.
func New(ctx context.Context, conn io.ReadWriteCloser, cfg Config) (*Client, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}

	c := &Client{
		conn:    conn,
		encoder: protocol.NewEncoder(conn),
		decoder: protocol.NewDecoder(conn),
		logger:  cfg.Logger.With().Str("component", "client").Logger(),
		events:  cfg.Events,
	}

	readyCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseData(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		_ = conn.Close()
		return nil, fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		_ = conn.Close()
		return nil, fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
		c.logger.Debug().
			Str("version", ready.Version).
			Str("root", ready.Root).
			Msg("server ready")
		return c, nil
	}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	return c.ready
}

// ReadState implements tree.Authority.
func (c *Client) ReadState(ctx context.Context, p path.Path) (tree.Value, error) {
	res, err := c.do(ctx, protocol.NewRequest(protocol.OpRead, p.String()))
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// WriteState implements tree.Authority.
func (c *Client) WriteState(ctx context.Context, p path.Path, v tree.Value) error {
	req := protocol.NewRequest(protocol.OpWrite, p.String())
	req.Value = v
	_, err := c.do(ctx, req)
	return err
}

// ChildNames implements tree.Authority.
func (c *Client) ChildNames(ctx context.Context, p path.Path) ([]string, error) {
	res, err := c.do(ctx, protocol.NewRequest(protocol.OpChildren, p.String()))
	if err != nil {
		return nil, err
	}
	return res.Names, nil
}

// DeleteMember implements tree.Authority.
func (c *Client) DeleteMember(ctx context.Context, p path.Path) error {
	_, err := c.do(ctx, protocol.NewRequest(protocol.OpDelete, p.String()))
	return err
}

// RenameMember implements tree.Authority.
func (c *Client) RenameMember(ctx context.Context, p path.Path, newName string) error {
	req := protocol.NewRequest(protocol.OpRename, p.String())
	req.NewName = newName
	_, err := c.do(ctx, req)
	return err
}

// Execute implements tree.Authority.
func (c *Client) Execute(ctx context.Context, p path.Path, args map[string]tree.Value) (tree.Value, error) {
	req := protocol.NewRequest(protocol.OpExecute, p.String())
	req.Args = args
	res, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

type reply struct {
	result *protocol.ResultMessage
	err    error
}

// do sends req and waits for its answer. When ctx ends first the
// connection is closed: the reply would otherwise be read by the next
// request.
func (c *Client) do(ctx context.Context, req *protocol.RequestMessage) (*protocol.ResultMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, tree.NewStaleSessionError("client is closed", nil)
	}
	c.requests++

	if err := c.encoder.EncodeRequest(req); err != nil {
		c.closeLocked()
		return nil, tree.NewStaleSessionError("failed to send request", err)
	}

	replyCh := make(chan reply, 1)
	go func() {
		res, err := c.await(req)
		replyCh <- reply{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		c.closeLocked()
		<-replyCh
		return nil, tree.NewStaleSessionError("request abandoned", ctx.Err())
	case r := <-replyCh:
		if r.err != nil && tree.IsStaleSession(r.err) {
			c.closeLocked()
		}
		return r.result, r.err
	}
}

// await reads messages until the answer to req arrives.
func (c *Client) await(req *protocol.RequestMessage) (*protocol.ResultMessage, error) {
	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, tree.NewStaleSessionError("connection closed by server", err)
			}
			return nil, tree.NewStaleSessionError("failed to read response", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseData(msg.Data, &event); err != nil {
				return nil, tree.NewStaleSessionError("failed to parse event", err)
			}
			c.logger.Debug().
				Str("request_id", event.RequestID).
				Str("path", req.Path).
				Msg(event.Message)
			_ = c.events.PublishCommandProgress("client", event.RequestID, req.Path, event.Message, event.Progress.Fraction())

		case protocol.MessageTypeResult:
			var res protocol.ResultMessage
			if err := protocol.ParseData(msg.Data, &res); err != nil {
				return nil, tree.NewStaleSessionError("failed to parse result", err)
			}
			if res.RequestID != req.ID {
				return nil, tree.NewStaleSessionError(
					fmt.Sprintf("request ID mismatch: expected %s, got %s", req.ID, res.RequestID), nil)
			}
			return &res, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &errMsg); err != nil {
				return nil, tree.NewStaleSessionError("failed to parse error", err)
			}
			if errMsg.RequestID != "" && errMsg.RequestID != req.ID {
				return nil, tree.NewStaleSessionError(
					fmt.Sprintf("request ID mismatch: expected %s, got %s", req.ID, errMsg.RequestID), nil)
			}
			return nil, FromErrorMessage(&errMsg, req)

		case protocol.MessageTypeExit:
			return nil, tree.NewStaleSessionError("server exited", nil)

		default:
			return nil, tree.NewStaleSessionError(fmt.Sprintf("unexpected message type: %s", msg.Type), nil)
		}
	}
}

// FromErrorMessage maps a protocol error to a classified tree error. The
// class sent by the server wins; otherwise the code decides.
func FromErrorMessage(m *protocol.ErrorMessage, req *protocol.RequestMessage) *tree.Error {
	class := tree.ErrorClass(m.Class)
	if m.Class == "" {
		class = classForCode(m.Code)
	}

	var e *tree.Error
	switch class {
	case tree.ClassNotFound:
		e = tree.NewNotFoundError(m.Message, nil)
	case tree.ClassReadOnly:
		e = tree.NewReadOnlyError(m.Message, nil)
	case tree.ClassValidation:
		e = tree.NewValidationError(m.Message, nil)
	case tree.ClassStaleSession:
		e = tree.NewStaleSessionError(m.Message, nil)
	case tree.ClassSchema:
		e = tree.NewSchemaError(m.Message, nil)
	default:
		e = tree.NewRemoteError(m.Message, nil)
	}
	if m.Code != "" {
		e.WithCode(m.Code)
	}

	at := m.Path
	if at == "" && req != nil {
		at = req.Path
	}
	if p, err := path.Parse(at); err == nil && at != "" {
		e.WithPath(p)
	}
	if req != nil {
		e.WithOperation(string(req.Op))
	}
	for k, v := range m.Details {
		e.WithDetail(k, v)
	}
	return e
}

func classForCode(code string) tree.ErrorClass {
	switch code {
	case protocol.CodeNotFound, protocol.CodeDeleted:
		return tree.ClassNotFound
	case protocol.CodeReadOnly, protocol.CodePermissionDenied:
		return tree.ClassReadOnly
	case protocol.CodeValidation, protocol.CodeAlreadyExists:
		return tree.ClassValidation
	case protocol.CodeSessionClosed:
		return tree.ClassStaleSession
	default:
		return tree.ClassRemote
	}
}

// Close sends EXIT and closes the connection. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	_ = c.encoder.EncodeExit(&protocol.ExitMessage{
		Reason:   "client_closed",
		Requests: c.requests,
	})
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}
