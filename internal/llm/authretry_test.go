package llm

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
)

type scriptedStream struct {
	chunks []Chunk
	err    error
	pos    int
}

func (s *scriptedStream) Recv() (Chunk, error) {
	if s.pos < len(s.chunks) {
		chunk := s.chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	if s.err != nil {
		return Chunk{}, s.err
	}
	return Chunk{}, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

// scriptedProvider returns one scripted outcome per Stream call.
type scriptedProvider struct {
	outcomes []func() (Stream, error)
	calls    int
}

func (p *scriptedProvider) Name() string               { return "scripted" }
func (p *scriptedProvider) Credential() string         { return "oauth" }
func (p *scriptedProvider) Capabilities() Capabilities { return Capabilities{} }

func (p *scriptedProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if p.calls >= len(p.outcomes) {
		return nil, errors.New("unexpected extra stream call")
	}
	outcome := p.outcomes[p.calls]
	p.calls++
	return outcome()
}

type countingRefresher struct {
	count int
	err   error
}

func (r *countingRefresher) Refresh(ctx context.Context) error {
	r.count++
	return r.err
}

func drain(t *testing.T, stream Stream) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func TestAuthRetry_RefreshThenSucceed(t *testing.T) {
	authErr := &AuthError{Provider: "scripted", StatusCode: 401, Message: "token expired"}
	provider := &scriptedProvider{outcomes: []func() (Stream, error){
		func() (Stream, error) { return nil, authErr },
		func() (Stream, error) {
			return &scriptedStream{chunks: []Chunk{{Type: ChunkText, Text: "ok"}}}, nil
		},
	}}
	refresher := &countingRefresher{}

	wrapped := NewAuthRetryProvider(provider, refresher, zerolog.Nop())
	stream, err := wrapped.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "ok" {
		t.Errorf("expected retried response, got %+v", chunks)
	}
	if refresher.count != 1 {
		t.Errorf("expected exactly one refresh, got %d", refresher.count)
	}
	if provider.calls != 2 {
		t.Errorf("expected 2 stream attempts, got %d", provider.calls)
	}
}

func TestAuthRetry_SecondFailureFatal(t *testing.T) {
	authErr := &AuthError{Provider: "scripted", StatusCode: 401, Message: "invalid api key"}
	provider := &scriptedProvider{outcomes: []func() (Stream, error){
		func() (Stream, error) { return nil, authErr },
		func() (Stream, error) { return nil, authErr },
	}}
	refresher := &countingRefresher{}

	wrapped := NewAuthRetryProvider(provider, refresher, zerolog.Nop())
	stream, err := wrapped.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = drain(t, stream)
	var got *AuthError
	if !errors.As(err, &got) {
		t.Fatalf("expected AuthError after failed retry, got %v", err)
	}
	if refresher.count != 1 {
		t.Errorf("expected exactly one refresh, got %d", refresher.count)
	}
}

func TestAuthRetry_NonAuthErrorPassesThrough(t *testing.T) {
	boom := errors.New("connection reset")
	provider := &scriptedProvider{outcomes: []func() (Stream, error){
		func() (Stream, error) { return nil, boom },
	}}
	refresher := &countingRefresher{}

	wrapped := NewAuthRetryProvider(provider, refresher, zerolog.Nop())
	stream, err := wrapped.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = drain(t, stream)
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if refresher.count != 0 {
		t.Errorf("non-auth errors must not trigger refresh, got %d", refresher.count)
	}
	if provider.calls != 1 {
		t.Errorf("expected single attempt, got %d", provider.calls)
	}
}

func TestAuthRetry_NoRetryAfterDelivery(t *testing.T) {
	authErr := &AuthError{Provider: "scripted", StatusCode: 401, Message: "token expired"}
	provider := &scriptedProvider{outcomes: []func() (Stream, error){
		func() (Stream, error) {
			return &scriptedStream{
				chunks: []Chunk{{Type: ChunkText, Text: "partial"}},
				err:    authErr,
			}, nil
		},
	}}
	refresher := &countingRefresher{}

	wrapped := NewAuthRetryProvider(provider, refresher, zerolog.Nop())
	stream, err := wrapped.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks, err := drain(t, stream)
	if len(chunks) != 1 || chunks[0].Text != "partial" {
		t.Errorf("delivered chunks must be forwarded, got %+v", chunks)
	}
	var got *AuthError
	if !errors.As(err, &got) {
		t.Fatalf("expected the auth error, got %v", err)
	}
	if refresher.count != 0 {
		t.Errorf("mid-stream failure after delivery must not retry, got %d refreshes", refresher.count)
	}
}

func TestIsAuthFailure_MessagePatterns(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&AuthError{Provider: "x", StatusCode: 401}, true},
		{&StatusError{Provider: "x", StatusCode: 403, Body: "forbidden"}, true},
		{&StatusError{Provider: "x", StatusCode: 500, Body: "oops"}, false},
		{errors.New("upstream said: token has expired"), true},
		{errors.New("connection refused"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsAuthFailure(tc.err); got != tc.want {
			t.Errorf("IsAuthFailure(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
