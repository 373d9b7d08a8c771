package providers

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrStreamClosed is returned by Next after the consumer closed the stream
var ErrStreamClosed = errors.New("stream closed")

// DecodeFunc translates one vendor event into a unified chunk.
// A nil chunk means the event carries nothing for the consumer. done reports
// the vendor's end-of-stream signal.
type DecodeFunc func(ev Event) (chunk *StreamChunk, done bool, err error)

// EventStream adapts a vendor SSE body into a ChunkStream. The rate limit
// permit is released exactly once, on EOF, on a terminal error or on Close.
type EventStream struct {
	provider ProviderTag
	body     io.ReadCloser
	events   *EventReader
	decode   DecodeFunc

	release   func()
	closeOnce sync.Once
	closed    atomic.Bool

	sawFinish bool
	err       error
}

// NewEventStream creates a stream over body. release may be nil.
func NewEventStream(provider ProviderTag, body io.ReadCloser, decode DecodeFunc, release func()) *EventStream {
	return &EventStream{
		provider: provider,
		body:     body,
		events:   NewEventReader(body),
		decode:   decode,
		release:  release,
	}
}

// Next returns the next chunk in vendor order, or io.EOF when complete
func (s *EventStream) Next() (*StreamChunk, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}
	if s.err != nil {
		return nil, s.err
	}

	for {
		ev, err := s.events.Next()
		if errors.Is(err, io.EOF) {
			if !s.sawFinish {
				return nil, s.fail(NewNormalizedError(s.provider, ErrorKindServerError,
					"stream ended before completion", 0, true, io.ErrUnexpectedEOF))
			}
			return nil, s.fail(io.EOF)
		}
		if err != nil {
			if s.closed.Load() {
				return nil, ErrStreamClosed
			}
			return nil, s.fail(FromTransportError(s.provider, err))
		}

		chunk, done, err := s.decode(ev)
		if err != nil {
			return nil, s.fail(err)
		}
		if chunk != nil && chunk.FinishReason() != "" {
			s.sawFinish = true
		}

		if done {
			if !s.sawFinish {
				return nil, s.fail(NewNormalizedError(s.provider, ErrorKindServerError,
					"stream ended before completion", 0, true, nil))
			}
			s.fail(io.EOF)
			if chunk != nil {
				return chunk, nil
			}
			return nil, io.EOF
		}

		if chunk != nil {
			return chunk, nil
		}
	}
}

// Close releases the response body and the rate limit permit. It is safe to
// call more than once and concurrently with Next.
func (s *EventStream) Close() error {
	s.closed.Store(true)
	return s.shutdown()
}

func (s *EventStream) fail(err error) error {
	s.err = err
	_ = s.shutdown()
	return err
}

func (s *EventStream) shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if s.release != nil {
			s.release()
		}
	})
	return err
}

// Collect drains a stream into a slice and closes it
func Collect(stream ChunkStream) ([]*StreamChunk, error) {
	defer stream.Close()

	var chunks []*StreamChunk
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}
