package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// maxLineSize bounds one message. Collection states can be large.
const maxLineSize = 10 << 20

var (
	// ErrStream reports that the underlying stream failed. Nothing more
	// can be read from the decoder.
	ErrStream = errors.New("protocol stream failed")

	// ErrMalformed reports a line that is not a valid message. The stream
	// itself is still usable.
	ErrMalformed = errors.New("malformed message")
)

type validator interface {
	Validate() error
}

// Encoder writes one JSON message per line. Encode may be called from
// several goroutines; command handlers report progress while the request
// loop owns the connection.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode frames payload as a message of type t. Payloads with a Validate
// method are checked first and nothing is written when they fail.
func (e *Encoder) Encode(t MessageType, payload any) error {
	line, err := frame(t, payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	return nil
}

func frame(t MessageType, payload any) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if v, ok := payload.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", t, err)
		}
	}

	msg := Message{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Data = data
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", t, err)
	}
	return append(line, '\n'), nil
}

func (e *Encoder) EncodeReady(m *ReadyMessage) error     { return e.Encode(MessageTypeReady, m) }
func (e *Encoder) EncodeRequest(m *RequestMessage) error { return e.Encode(MessageTypeRequest, m) }
func (e *Encoder) EncodeResult(m *ResultMessage) error   { return e.Encode(MessageTypeResult, m) }
func (e *Encoder) EncodeEvent(m *EventMessage) error     { return e.Encode(MessageTypeEvent, m) }
func (e *Encoder) EncodeError(m *ErrorMessage) error     { return e.Encode(MessageTypeError, m) }
func (e *Encoder) EncodeExit(m *ExitMessage) error       { return e.Encode(MessageTypeExit, m) }

// Decoder reads one message per line.
type Decoder struct {
	lines *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &Decoder{lines: s}
}

// Decode reads the next message. A clean end of stream is io.EOF, a
// broken one wraps ErrStream and a bad line wraps ErrMalformed.
func (d *Decoder) Decode() (*Message, error) {
	if !d.lines.Scan() {
		if err := d.lines.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStream, err)
		}
		return nil, io.EOF
	}

	// A read error still yields the partial line as a final token.
	if err := d.lines.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStream, err)
	}
	line := d.lines.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &msg, nil
}

// DecodeRequest reads the next message and expects a valid REQ. An EXIT
// from the peer is reported as io.EOF.
func (d *Decoder) DecodeRequest() (*RequestMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case MessageTypeExit:
		return nil, io.EOF
	case MessageTypeRequest:
	default:
		return nil, fmt.Errorf("%w: want REQ, got %s", ErrMalformed, msg.Type)
	}

	var req RequestMessage
	if err := ParseData(msg.Data, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &req, nil
}

// ParseData unmarshals a message payload into target.
func ParseData(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: no data", ErrMalformed)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}
