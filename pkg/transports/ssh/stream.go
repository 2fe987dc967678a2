package ssh

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// maxStderr bounds the remote stderr kept for diagnostics.
const maxStderr = 64 * 1024

// Stream is the stdio of one remote server command.
type Stream struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  tailBuffer

	owner     *Client
	closeOnce sync.Once
	closeErr  error
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Close ends the remote command. A stream returned by Dial also closes its
// connection.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		if err := s.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			s.closeErr = &TransportError{Op: "close-stream", Err: err}
		}
		if s.owner != nil {
			if err := s.owner.Disconnect(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// Stderr returns what the remote command wrote to stderr so far, trimmed
// to the last 64KiB.
func (s *Stream) Stderr() string {
	return strings.TrimSpace(s.stderr.String())
}

// tailBuffer keeps the last maxStderr bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _ := b.buf.Write(p)
	if over := b.buf.Len() - maxStderr; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
