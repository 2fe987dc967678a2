package memauthority

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/protocol"
	"github.com/simtree/simtree/pkg/telemetry"
	"github.com/simtree/simtree/pkg/tree"
)

// Server answers protocol requests against any tree.Authority. One Server
// may serve many connections; requests of one connection are handled in
// order.
type Server struct {
	authority tree.Authority
	root      string
	metadata  map[string]string
	logger    zerolog.Logger
	telemetry *telemetry.Telemetry
	guard     tree.Guard
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerTelemetry records spans and metrics for every request.
func WithServerTelemetry(tel *telemetry.Telemetry) ServerOption {
	return func(s *Server) {
		s.telemetry = tel
	}
}

// WithServerGuard checks every mutating request against g before it
// reaches the authority. Denied requests fail with a read-only error.
func WithServerGuard(g tree.Guard) ServerOption {
	return func(s *Server) {
		s.guard = g
	}
}

// WithMetadata adds entries to the READY metadata.
func WithMetadata(md map[string]string) ServerOption {
	return func(s *Server) {
		for k, v := range md {
			s.metadata[k] = v
		}
	}
}

// NewServer creates a server for a. root is the class name announced in
// READY.
func NewServer(a tree.Authority, root string, opts ...ServerOption) *Server {
	s := &Server{
		authority: a,
		root:      root,
		metadata:  make(map[string]string),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.telemetry == nil {
		s.telemetry = telemetry.Nop()
	}
	s.logger = s.logger.With().Str("component", "server").Logger()
	return s
}

// ServeConn sends READY and answers requests on conn until the peer sends
// EXIT, the stream ends or ctx is done. conn is closed on return.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	encoder := protocol.NewEncoder(conn)
	decoder := protocol.NewDecoder(conn)

	metrics := s.telemetry.Metrics
	metrics.SessionOpened()
	defer metrics.SessionClosed()

	if err := encoder.EncodeReady(&protocol.ReadyMessage{
		Version: protocol.Version,
		Root:    s.root,
		Caps: map[string]bool{
			string(protocol.OpRead):     true,
			string(protocol.OpWrite):    true,
			string(protocol.OpChildren): true,
			string(protocol.OpDelete):   true,
			string(protocol.OpRename):   true,
			string(protocol.OpExecute):  true,
			"progress":                  true,
		},
		Metadata: s.metadata,
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	served := 0
	reason := "completed"
	for {
		req, err := decoder.DecodeRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				reason = "client_closed"
				break
			}
			if ctx.Err() != nil {
				reason = "shutdown"
				break
			}
			if !errors.Is(err, protocol.ErrMalformed) {
				s.logger.Warn().Err(err).Msg("connection failed")
				return err
			}
			s.logger.Debug().Err(err).Msg("rejecting malformed request")
			metrics.RecordRequestServed("unknown", "error")
			if err := encoder.EncodeError(&protocol.ErrorMessage{
				Code:    protocol.CodeBadRequest,
				Message: err.Error(),
			}); err != nil {
				return fmt.Errorf("failed to send error: %w", err)
			}
			continue
		}

		served++
		if err := s.handle(ctx, encoder, req); err != nil {
			if ctx.Err() != nil {
				reason = "shutdown"
				break
			}
			return err
		}
	}

	_ = encoder.EncodeExit(&protocol.ExitMessage{Reason: reason, Requests: served})
	s.logger.Debug().Str("reason", reason).Int("requests", served).Msg("connection finished")
	return nil
}

// handle answers one request. Only failures to write the answer are
// returned.
func (s *Server) handle(ctx context.Context, encoder *protocol.Encoder, req *protocol.RequestMessage) error {
	ctx, span := s.telemetry.Tracer.StartServerSpan(ctx, string(req.Op), req.Path, req.ID)
	defer span.End()

	ctx = WithProgress(ctx, func(current, total int, message string) {
		err := encoder.EncodeEvent(&protocol.EventMessage{
			RequestID: req.ID,
			Level:     "info",
			Message:   message,
			Progress:  &protocol.ProgressInfo{Current: current, Total: total},
		})
		if err != nil {
			s.logger.Debug().Err(err).Msg("failed to send progress")
		}
	})

	start := time.Now()
	res, err := s.dispatch(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		s.telemetry.Metrics.RecordRequestServed(string(req.Op), "error")
		s.logger.Debug().
			Err(err).
			Str("op", string(req.Op)).
			Str("path", req.Path).
			Msg("request failed")
		return encoder.EncodeError(ToErrorMessage(req.ID, err))
	}

	telemetry.RecordSuccess(span)
	s.telemetry.Metrics.RecordRequestServed(string(req.Op), "ok")
	res.RequestID = req.ID
	res.Duration = time.Since(start).Seconds()
	return encoder.EncodeResult(res)
}

func (s *Server) dispatch(ctx context.Context, req *protocol.RequestMessage) (*protocol.ResultMessage, error) {
	p, err := path.Parse(req.Path)
	if err != nil {
		return nil, tree.NewValidationError("invalid path", err).WithCode(protocol.CodeBadRequest)
	}
	if err := s.authorize(ctx, p, req); err != nil {
		return nil, err
	}

	switch req.Op {
	case protocol.OpRead:
		v, err := s.authority.ReadState(ctx, p)
		if err != nil {
			return nil, err
		}
		return &protocol.ResultMessage{Value: v}, nil
	case protocol.OpWrite:
		return &protocol.ResultMessage{}, s.authority.WriteState(ctx, p, req.Value)
	case protocol.OpChildren:
		names, err := s.authority.ChildNames(ctx, p)
		if err != nil {
			return nil, err
		}
		return &protocol.ResultMessage{Names: names}, nil
	case protocol.OpDelete:
		return &protocol.ResultMessage{}, s.authority.DeleteMember(ctx, p)
	case protocol.OpRename:
		return &protocol.ResultMessage{}, s.authority.RenameMember(ctx, p, req.NewName)
	case protocol.OpExecute:
		v, err := s.authority.Execute(ctx, p, req.Args)
		if err != nil {
			return nil, err
		}
		return &protocol.ResultMessage{Value: v}, nil
	default:
		return nil, tree.NewValidationError(fmt.Sprintf("unknown op %q", req.Op), nil).
			WithCode(protocol.CodeBadRequest)
	}
}

func (s *Server) authorize(ctx context.Context, p path.Path, req *protocol.RequestMessage) error {
	op := tree.Operation(req.Op)
	if s.guard == nil || !op.Mutating() {
		return nil
	}
	call := tree.Call{
		SessionID: req.ID,
		Op:        op,
		Path:      p,
		Value:     req.Value,
		NewName:   req.NewName,
	}
	if len(req.Args) > 0 {
		call.Args = make(map[string]tree.Value, len(req.Args))
		for k, v := range req.Args {
			call.Args[k] = v
		}
	}
	if err := s.guard.Authorize(ctx, call); err != nil {
		s.logger.Info().Err(err).Str("op", string(op)).Str("path", req.Path).Msg("request denied by guard")
		return tree.NewReadOnlyError("denied by server policy", err).
			WithPath(p).
			WithOperation(string(op))
	}
	return nil
}

// ToErrorMessage renders err as the answer to request id. Classified tree
// errors keep their class, code, path and details; anything else is an
// internal error.
func ToErrorMessage(id string, err error) *protocol.ErrorMessage {
	var te *tree.Error
	if !errors.As(err, &te) {
		return &protocol.ErrorMessage{
			RequestID: id,
			Class:     string(tree.ClassRemote),
			Code:      protocol.CodeInternal,
			Message:   err.Error(),
		}
	}

	msg := &protocol.ErrorMessage{
		RequestID: id,
		Class:     string(te.Class),
		Code:      te.Code,
		Message:   te.Message,
		Path:      te.Path,
	}
	if te.Err != nil {
		msg.Message = fmt.Sprintf("%s: %v", te.Message, te.Err)
	}
	if len(te.Details) > 0 {
		msg.Details = make(map[string]string, len(te.Details))
		for k, v := range te.Details {
			msg.Details[k] = fmt.Sprint(v)
		}
	}
	return msg
}

// Connect serves s over an in-process pipe and returns the client end.
// The server side stops when the returned connection is closed or ctx is
// done.
func Connect(ctx context.Context, s *Server) io.ReadWriteCloser {
	clientEnd, serverEnd := net.Pipe()
	go func() {
		if err := s.ServeConn(ctx, serverEnd); err != nil {
			s.logger.Debug().Err(err).Msg("pipe server stopped")
		}
	}()
	return clientEnd
}
