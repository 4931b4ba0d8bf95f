package providers

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Extractor pulls the text fragment out of one event payload. ok=false skips the payload,
// which is how malformed or partial JSON is tolerated.
type Extractor func(data []byte) (text string, ok bool)

// Stream is a lazy, finite and non-restartable sequence of fragments read from an
// event-stream body. It is not safe for concurrent use.
type Stream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	body    io.ReadCloser
	reader  *bufio.Reader
	extract Extractor

	err       error
	closeOnce sync.Once
}

// Invocation derives the context for one adapter call. The timeout and the caller's
// cancellation share it, so both abort the request the same way.
func Invocation(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeoutCause(parent, timeout, ErrTimeout)
}

// Interrupted maps a transport failure on an invocation context to ErrTimeout, the caller's
// cancellation error, or a wrapped network error.
func Interrupted(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		return ErrTimeout
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("request failed: %w", err)
}

// NewStream takes ownership of body and cancel; Close releases both.
func NewStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, extract Extractor) *Stream {
	return &Stream{
		ctx:     ctx,
		cancel:  cancel,
		body:    body,
		reader:  bufio.NewReaderSize(body, 32*1024),
		extract: extract,
	}
}

// Next returns the next non-empty fragment, io.EOF once the stream is exhausted, or the
// error that ended it. After the first non-nil error every call returns that error.
func (s *Stream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	for {
		line, readErr := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			text, ok, done := s.handleLine(line)
			if done {
				s.finish(io.EOF)
				return "", io.EOF
			}
			if ok {
				if readErr != nil {
					s.finish(s.mapReadErr(readErr))
				}
				return text, nil
			}
		}
		if readErr != nil {
			s.finish(s.mapReadErr(readErr))
			return "", s.err
		}
	}
}

func (s *Stream) handleLine(line []byte) (text string, ok bool, done bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, dataPrefix) {
		return "", false, false
	}
	data := bytes.TrimSpace(line[len(dataPrefix):])
	if bytes.Equal(data, doneMarker) {
		return "", false, true
	}
	if len(data) == 0 {
		return "", false, false
	}
	text, ok = s.extract(data)
	return text, ok && text != "", false
}

func (s *Stream) mapReadErr(err error) error {
	if errors.Is(err, io.EOF) && s.ctx.Err() == nil {
		return io.EOF
	}
	return Interrupted(s.ctx, err)
}

func (s *Stream) finish(err error) {
	s.err = err
	s.Close()
}

// Close aborts the request if it is still running and releases the connection.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// Collect drains s and returns the concatenated text.
func Collect(s *Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		frag, err := s.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
}
