package llm

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestChunkStream_DeliversThenEOF(t *testing.T) {
	stream := newChunkStream(context.Background(), func(ctx context.Context, chunks chan<- Chunk) error {
		chunks <- Chunk{Type: ChunkText, Text: "a"}
		chunks <- Chunk{Type: ChunkText, Text: "b"}
		return nil
	})

	chunks, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Text != "a" || chunks[1].Text != "b" {
		t.Errorf("unexpected chunks %+v", chunks)
	}

	// EOF again after exhaustion.
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("expected io.EOF on repeat Recv, got %v", err)
	}
}

func TestChunkStream_ProducerErrorAfterChunks(t *testing.T) {
	boom := errors.New("mid-stream failure")
	stream := newChunkStream(context.Background(), func(ctx context.Context, chunks chan<- Chunk) error {
		chunks <- Chunk{Type: ChunkText, Text: "partial"}
		return boom
	})

	chunks, err := drain(t, stream)
	if len(chunks) != 1 {
		t.Errorf("chunks before the error must be delivered, got %d", len(chunks))
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected producer error, got %v", err)
	}
}

func TestChunkStream_CloseCancelsProducer(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	stream := newChunkStream(context.Background(), func(ctx context.Context, chunks chan<- Chunk) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	<-started
	stream.Close()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("producer not cancelled by Close")
	}
}
