package llm

import (
	"context"
	"io"
	"sync"
)

// chunkStream is a channel-backed Stream. The producer goroutine runs until
// it returns, the context is cancelled, or the consumer calls Close.
type chunkStream struct {
	chunks <-chan Chunk
	errc   <-chan error
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	done bool
}

// newChunkStream launches produce in its own goroutine and returns a Stream
// over the chunks it sends. The producer's returned error (nil for a clean
// finish) is delivered after the channel drains; a clean finish surfaces as
// io.EOF from Recv.
func newChunkStream(ctx context.Context, produce func(ctx context.Context, chunks chan<- Chunk) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	chunks := make(chan Chunk, 16)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		errc <- produce(ctx, chunks)
	}()

	return &chunkStream{chunks: chunks, errc: errc, cancel: cancel}
}

func (s *chunkStream) Recv() (Chunk, error) {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return Chunk{}, err
	}
	s.mu.Unlock()

	chunk, ok := <-s.chunks
	if ok {
		return chunk, nil
	}

	err := <-s.errc
	s.mu.Lock()
	s.done = true
	s.err = err
	s.mu.Unlock()
	if err == nil {
		err = io.EOF
	}
	return Chunk{}, err
}

func (s *chunkStream) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		// Drain so the producer can exit.
		go func() {
			for range s.chunks {
			}
			<-s.errc
		}()
	}
	return nil
}

// sliceStream replays a fixed set of chunks. Useful in tests and for
// adapters that buffer a full response before emitting.
type sliceStream struct {
	chunks []Chunk
	pos    int
	err    error
}

func newSliceStream(chunks []Chunk, err error) Stream {
	return &sliceStream{chunks: chunks, err: err}
}

func (s *sliceStream) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return Chunk{}, s.err
		}
		return Chunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *sliceStream) Close() error { return nil }
