package llm

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// TokenRefresher renews the credential a provider streams with. Refresh
// must be safe to call while a request is in flight on another session.
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}

// AuthRetryProvider wraps a Provider with a single refresh-and-retry cycle
// on authentication failure.
//
// The first auth failure (during the initial call or mid-stream) triggers
// one token refresh and one full re-issue of the request. A second auth
// failure after a successful refresh means the credential itself is bad,
// not merely stale, and is returned to the caller. Non-auth errors pass
// through untouched. Chunks already forwarded before a mid-stream auth
// failure are not replayed; the retry only fires when the failure happened
// before any chunk was delivered, otherwise the consumer would see
// duplicated output.
type AuthRetryProvider struct {
	inner     Provider
	refresher TokenRefresher
	log       zerolog.Logger
}

func NewAuthRetryProvider(inner Provider, refresher TokenRefresher, log zerolog.Logger) *AuthRetryProvider {
	return &AuthRetryProvider{inner: inner, refresher: refresher, log: log}
}

func (p *AuthRetryProvider) Name() string               { return p.inner.Name() }
func (p *AuthRetryProvider) Credential() string         { return p.inner.Credential() }
func (p *AuthRetryProvider) Capabilities() Capabilities { return p.inner.Capabilities() }

func (p *AuthRetryProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newChunkStream(ctx, func(ctx context.Context, chunks chan<- Chunk) error {
		refreshed := false
		for {
			delivered, err := p.attempt(ctx, req, chunks)
			if err == nil {
				return nil
			}
			if !IsAuthFailure(err) || refreshed || delivered {
				return err
			}
			p.log.Info().
				Str("provider", p.inner.Name()).
				Err(err).
				Msg("auth failure, refreshing credential")
			if refreshErr := p.refresher.Refresh(ctx); refreshErr != nil {
				return fmt.Errorf("refreshing credential after auth failure: %w (original: %w)", refreshErr, err)
			}
			refreshed = true
		}
	}), nil
}

// attempt runs one full request, forwarding chunks. It reports whether any
// chunk reached the consumer before the error.
func (p *AuthRetryProvider) attempt(ctx context.Context, req Request, chunks chan<- Chunk) (bool, error) {
	stream, err := p.inner.Stream(ctx, req)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	delivered := false
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return delivered, nil
		}
		if err != nil {
			return delivered, err
		}
		select {
		case chunks <- chunk:
			delivered = true
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}
