package tree

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/telemetry"
)

// Call describes one mutating request made through a Session. Guards see it
// before it is sent; recorders see it afterwards with Err and Duration set.
type Call struct {
	SessionID string
	Op        Operation
	Path      path.Path
	Value     Value
	NewName   string
	Args      map[string]Value
	Err       error
	Duration  time.Duration
}

// Guard decides whether a mutating call may be sent. A non-nil error is
// reported to the caller as a read-only error.
type Guard interface {
	Authorize(ctx context.Context, c Call) error
}

// Recorder is told about every mutating call after it completes.
type Recorder interface {
	Record(ctx context.Context, c Call) error
}

// Session owns the connection to an authority on behalf of every proxy of
// one tree. Once closed, every call fails fast with a stale-session error.
type Session struct {
	id        string
	authority Authority
	closed    atomic.Bool

	logger    zerolog.Logger
	telemetry *telemetry.Telemetry
	guard     Guard
	recorder  Recorder
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithTelemetry instruments every remote call with spans, metrics and
// events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Session) {
		s.telemetry = tel
	}
}

// WithGuard installs a write guard.
func WithGuard(g Guard) Option {
	return func(s *Session) {
		s.guard = g
	}
}

// WithRecorder installs a recorder for mutating calls.
func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		s.recorder = r
	}
}

// NewSession creates a session over an already connected authority.
func NewSession(a Authority, opts ...Option) *Session {
	s := &Session{
		id:        uuid.New().String(),
		authority: a,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().
		Str("component", "session").
		Str("session_id", s.id).
		Logger()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close ends the session. If the authority is an io.Closer it is closed
// too. Closing twice is a no-op.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Debug().Msg("session closed")
	_ = s.events().PublishSessionClosed(s.id, "closed by caller")

	if c, ok := s.authority.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Session) events() *telemetry.EventPublisher {
	if s.telemetry == nil {
		return nil
	}
	return s.telemetry.Events
}

func (s *Session) metrics() *telemetry.Metrics {
	if s.telemetry == nil {
		return nil
	}
	return s.telemetry.Metrics
}

func (s *Session) read(ctx context.Context, p path.Path) (Value, error) {
	var out Value
	err := s.do(ctx, Call{Op: OpRead, Path: p}, func(ctx context.Context) error {
		v, err := s.authority.ReadState(ctx, p)
		out = v
		return err
	})
	return out, err
}

func (s *Session) write(ctx context.Context, p path.Path, v Value) error {
	return s.do(ctx, Call{Op: OpWrite, Path: p, Value: v}, func(ctx context.Context) error {
		return s.authority.WriteState(ctx, p, v)
	})
}

func (s *Session) childNames(ctx context.Context, p path.Path) ([]string, error) {
	var out []string
	err := s.do(ctx, Call{Op: OpChildren, Path: p}, func(ctx context.Context) error {
		names, err := s.authority.ChildNames(ctx, p)
		out = names
		return err
	})
	return out, err
}

func (s *Session) deleteMember(ctx context.Context, p path.Path) error {
	return s.do(ctx, Call{Op: OpDelete, Path: p}, func(ctx context.Context) error {
		return s.authority.DeleteMember(ctx, p)
	})
}

func (s *Session) renameMember(ctx context.Context, p path.Path, newName string) error {
	return s.do(ctx, Call{Op: OpRename, Path: p, NewName: newName}, func(ctx context.Context) error {
		return s.authority.RenameMember(ctx, p, newName)
	})
}

func (s *Session) execute(ctx context.Context, p path.Path, args map[string]Value) (Value, error) {
	var out Value
	err := s.do(ctx, Call{Op: OpExecute, Path: p, Args: args}, func(ctx context.Context) error {
		v, err := s.authority.Execute(ctx, p, args)
		out = v
		return err
	})
	return out, err
}

// do runs one primitive: stale check, guard, instrumentation, error
// classification and recording, in that order.
func (s *Session) do(ctx context.Context, c Call, fn func(context.Context) error) error {
	c.SessionID = s.id
	if s.closed.Load() {
		return NewStaleSessionError("session is closed", nil).
			WithPath(c.Path).
			WithOperation(string(c.Op))
	}

	if c.Op.Mutating() && s.guard != nil {
		if err := s.guard.Authorize(ctx, c); err != nil {
			_ = s.events().PublishWriteDenied(s.id, c.Path.String(), err.Error())
			s.logger.Debug().
				Str("op", string(c.Op)).
				Str("path", c.Path.String()).
				Err(err).
				Msg("call denied by guard")
			return NewReadOnlyError("denied by write guard", err).
				WithCode(ErrCodePermissionDenied).
				WithPath(c.Path).
				WithOperation(string(c.Op))
		}
	}

	start := time.Now()
	run := func(ctx context.Context) error {
		return s.classify(c, fn(ctx))
	}

	var err error
	if s.telemetry != nil {
		err = s.telemetry.RecordRemoteCall(ctx, string(c.Op), c.Path.String(), ClassName, run)
	} else {
		err = run(ctx)
		s.logger.Debug().
			Str("op", string(c.Op)).
			Str("path", c.Path.String()).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("remote call")
	}

	if IsRemote(err) {
		_ = s.events().PublishRemoteError(s.id, string(c.Op), c.Path.String(), err)
	}

	if c.Op.Mutating() && s.recorder != nil {
		c.Err = err
		c.Duration = time.Since(start)
		if rerr := s.recorder.Record(ctx, c); rerr != nil {
			s.logger.Warn().Err(rerr).Str("path", c.Path.String()).Msg("failed to record call")
		}
	}

	return err
}

// classify turns whatever the authority returned into a classified *Error.
// A stale-session error from the authority (its connection dropped) ends
// this session as well.
func (s *Session) classify(c Call, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Path == "" {
			e.Path = c.Path.String()
		}
		if e.Operation == "" {
			e.Operation = string(c.Op)
		}
		if e.Class == ClassStaleSession && s.closed.CompareAndSwap(false, true) {
			s.logger.Warn().Err(err).Msg("authority connection lost")
			_ = s.events().PublishSessionClosed(s.id, err.Error())
		}
		return err
	}

	return NewRemoteError("remote call failed", err).
		WithPath(c.Path).
		WithOperation(string(c.Op))
}
