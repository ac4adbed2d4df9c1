package bucketconfig

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/enesacikoglu/analytics-dcp-client/retry"
)

// Provider is the capability a Conductor needs from a configuration source:
// an on-demand refresh with a bounded number of attempts, a cached last-seen
// config, and a channel of configs that only ever advances in revision.
type Provider interface {
	Refresh(ctx context.Context, attempts int) (*Config, error)
	Config() *Config
	Watch(ctx context.Context) (<-chan *Config, error)
}

// HTTPProviderOptions configures an HTTPProvider.
type HTTPProviderOptions struct {
	Fetcher    *Fetcher
	BucketName string

	// PollInterval is used both as the retry spacing when the streaming
	// endpoint isn't available and as the interval between polls in that
	// degraded mode. Defaults to 2500ms.
	PollInterval time.Duration

	// RefreshPolicy bounds Refresh's attempts. Defaults to five attempts
	// with a one-second fixed delay.
	RefreshPolicy retry.Policy

	Logger *zap.Logger
}

// HTTPProvider is the default Provider: it prefers the server's streaming
// bucket-config endpoint and falls back to polling the non-streaming one on
// an interval when streaming isn't available or drops.
type HTTPProvider struct {
	fetcher    *Fetcher
	bucketName string

	pollInterval  time.Duration
	refreshPolicy retry.Policy
	logger        *zap.Logger

	mu     sync.Mutex
	cached *Config
}

// NewHTTPProvider constructs an HTTPProvider from opts.
func NewHTTPProvider(opts HTTPProviderOptions) *HTTPProvider {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2500 * time.Millisecond
	}

	refreshPolicy := opts.RefreshPolicy
	if refreshPolicy.Delay == nil {
		refreshPolicy = retry.Policy{
			MaxAttempts: 5,
			Delay:       retry.Fixed(time.Second),
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPProvider{
		fetcher:       opts.Fetcher,
		bucketName:    opts.BucketName,
		pollInterval:  pollInterval,
		refreshPolicy: refreshPolicy,
		logger:        logger,
	}
}

// Config returns the most recently fetched config, or nil if none has been
// fetched yet.
func (p *HTTPProvider) Config() *Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

func (p *HTTPProvider) setCached(cfg *Config) {
	p.mu.Lock()
	p.cached = cfg
	p.mu.Unlock()
}

// Refresh fetches a fresh config, retrying transient failures up to
// attempts times (0 means use RefreshPolicy's configured MaxAttempts
// unmodified).
func (p *HTTPProvider) Refresh(ctx context.Context, attempts int) (*Config, error) {
	policy := p.refreshPolicy
	if attempts > 0 {
		policy.MaxAttempts = attempts
	}

	var result *Config
	err := retry.Run(policy, func(attempt int) error {
		cfg, err := p.fetcher.FetchTerseBucket(ctx, p.bucketName)
		if err != nil {
			return err
		}
		result = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.setCached(result)
	return result, nil
}

// Watch starts a background goroutine that emits a Config each time the
// cluster's revision advances, until ctx is done. The returned channel
// drops stale configs rather than blocking the fetch loop, so a slow
// consumer only ever sees the newest pending one.
func (p *HTTPProvider) Watch(ctx context.Context) (<-chan *Config, error) {
	initial, err := p.Refresh(ctx, 0)
	if err != nil {
		return nil, err
	}

	inputCh := make(chan *Config)
	outputCh := latestOnly(inputCh)

	go func() {
		defer close(inputCh)

		select {
		case inputCh <- initial:
		case <-ctx.Done():
			return
		}

		p.watchLoop(ctx, inputCh, initial)
	}()

	return outputCh, nil
}

// latestOnly relays configs from inputCh to the returned channel without
// ever blocking the sender: if the receiver hasn't caught up, a newer
// config on inputCh simply replaces the one pending for delivery. Closing
// inputCh closes the returned channel once any pending config is drained.
func latestOnly(inputCh <-chan *Config) <-chan *Config {
	outputCh := make(chan *Config)

	go func() {
		defer close(outputCh)

	MainLoop:
		for {
			pending, ok := <-inputCh
			if !ok {
				break MainLoop
			}

		SendLoop:
			for {
				select {
				case outputCh <- pending:
					break SendLoop
				case next, ok := <-inputCh:
					if !ok {
						break MainLoop
					}
					pending = next
				}
			}
		}
	}()

	return outputCh
}

// watchLoop prefers the streaming endpoint and degrades to fixed-interval
// polling when it is unavailable.
func (p *HTTPProvider) watchLoop(ctx context.Context, inputCh chan<- *Config, last *Config) {
	lastRevision := last.Revision

	streamCh, err := p.fetcher.StreamTerseBucket(ctx, p.bucketName)
	if err == nil {
		lastRevision = p.drainStream(ctx, inputCh, streamCh, lastRevision)
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("bucket config stream ended, falling back to polling")
	} else {
		p.logger.Warn("bucket config streaming unavailable, polling instead", zap.Error(err))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.pollInterval

	for {
		select {
		case <-time.After(b.NextBackOff()):
		case <-ctx.Done():
			return
		}

		cfg, err := p.fetcher.FetchTerseBucket(ctx, p.bucketName)
		if err != nil {
			p.logger.Warn("bucket config poll failed, retrying", zap.Error(err))
			continue
		}
		b.Reset()

		if cfg.Revision.After(lastRevision) {
			lastRevision = cfg.Revision
			p.setCached(cfg)
			select {
			case inputCh <- cfg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// drainStream forwards configs from streamCh whose revision advances past
// last, returning the newest revision observed once the stream ends.
func (p *HTTPProvider) drainStream(ctx context.Context, inputCh chan<- *Config, streamCh <-chan *Config, last Revision) Revision {
	for {
		select {
		case cfg, ok := <-streamCh:
			if !ok {
				return last
			}
			if cfg.Revision.After(last) {
				last = cfg.Revision
				p.setCached(cfg)
				select {
				case inputCh <- cfg:
				case <-ctx.Done():
					return last
				}
			}
		case <-ctx.Done():
			return last
		}
	}
}
