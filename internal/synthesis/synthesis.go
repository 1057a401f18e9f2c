// Package synthesis turns text into speech through a chain of providers.
//
// Each request resolves to one provider: the caller's selection, else the
// configured default. A selection that is unknown or missing credentials is
// served by the last provider in the chain, which needs no credentials; the
// same hard fallback catches a failed call. Synthesized audio is cached so
// repeated phrases cost one provider call.
package synthesis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/kragentic/orchestrator/internal/cache"
	"github.com/kragentic/orchestrator/internal/log"
)

// ErrAllProvidersFailed indicates no provider in the chain produced audio.
var ErrAllProvidersFailed = errors.New("synthesis: all providers failed")

// DefaultAudioTTL is how long synthesized audio stays cached.
const DefaultAudioTTL = time.Hour

// healthProbe is the fixed phrase used to verify a provider end to end.
const healthProbe = "Hello world"

const audioKeyPrefix = "audio:"

// Audio is a synthesized utterance.
type Audio struct {
	Data     []byte `json:"data"`
	Format   string `json:"format"`
	Provider string `json:"provider"`
}

// Result is the outcome of a chain synthesis.
type Result struct {
	Audio  *Audio
	Cached bool
}

// Provider produces speech audio for text.
type Provider interface {
	// Name identifies the provider in results and logs.
	Name() string

	// Available reports whether the provider can be tried at all,
	// typically whether its credentials are configured.
	Available() bool

	Synthesize(ctx context.Context, text, voice string) (*Audio, error)
}

// ChainConfig configures a Chain. Zero values take package defaults.
type ChainConfig struct {
	// DefaultProvider serves requests that name no provider. Empty means
	// the first provider in the chain.
	DefaultProvider string

	// AudioTTL is the cache lifetime for synthesized audio.
	AudioTTL time.Duration

	// CallTimeout bounds each provider attempt. Default: 30s.
	CallTimeout time.Duration

	// RateLimit is the sustained provider-call rate. Zero disables the
	// guard.
	RateLimit rate.Limit

	// RateBurst is the limiter burst. Default 1 when RateLimit is set.
	RateBurst int
}

const defaultCallTimeout = 30 * time.Second

// Chain resolves each request to a provider and caches successful audio.
type Chain struct {
	providers       []Provider
	defaultProvider string
	cache           cache.Store
	limiter         *rate.Limiter
	ttl             time.Duration
	timeout         time.Duration
	logger          log.Logger
}

// NewChain creates a Chain over the given providers. The last provider is
// the hard fallback for unknown, unconfigured, and failed selections.
func NewChain(providers []Provider, store cache.Store, logger log.Logger, cfg ChainConfig) (*Chain, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ttl := cfg.AudioTTL
	if ttl <= 0 {
		ttl = DefaultAudioTTL
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}

	defaultProvider := cfg.DefaultProvider
	if defaultProvider == "" {
		defaultProvider = providers[0].Name()
	}

	return &Chain{
		providers:       providers,
		defaultProvider: defaultProvider,
		cache:           store,
		limiter:         limiter,
		ttl:             ttl,
		timeout:         timeout,
		logger:          logger,
	}, nil
}

// Synthesize produces audio for text. The provider argument names the
// desired backend; empty means the configured default. A cached utterance
// for a provider is returned before that provider is called again. Audio is
// cached only on success.
func (c *Chain) Synthesize(ctx context.Context, text, provider, voice string) (*Result, error) {
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}

	var lastErr error
	for _, p := range c.resolve(provider) {
		if !p.Available() {
			continue
		}

		key := audioKeyPrefix + audioCacheKey(text, p.Name(), voice)
		if raw, ok, err := c.cache.Get(ctx, key); err == nil && ok {
			var audio Audio
			if jerr := json.Unmarshal(raw, &audio); jerr == nil {
				return &Result{Audio: &audio, Cached: true}, nil
			}
		} else if err != nil {
			c.logger.Warn("audio cache unavailable", "error", err)
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		audio, err := p.Synthesize(callCtx, text, voice)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("synthesis provider failed", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		}
		audio.Provider = p.Name()

		if raw, jerr := json.Marshal(audio); jerr == nil {
			if cerr := c.cache.Set(ctx, key, raw, c.ttl); cerr != nil {
				c.logger.Warn("caching audio failed", "error", cerr)
			}
		}
		return &Result{Audio: audio}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
	}
	return nil, ErrAllProvidersFailed
}

// resolve turns a provider selection into the attempt order: the named
// provider (or the configured default when unnamed) followed by the hard
// fallback at the end of the chain. An unknown or unavailable selection goes
// straight to the hard fallback instead of walking the rest of the chain.
func (c *Chain) resolve(name string) []Provider {
	fallback := c.providers[len(c.providers)-1]

	if name == "" {
		name = c.defaultProvider
	}

	var selected Provider
	for _, p := range c.providers {
		if p.Name() == name {
			selected = p
			break
		}
	}
	if selected == nil || !selected.Available() || selected == fallback {
		return []Provider{fallback}
	}
	return []Provider{selected, fallback}
}

// ProviderHealth is one provider's health probe outcome.
type ProviderHealth struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
}

// Health summarizes the chain's condition. Status is "healthy" when at least
// one provider passed the probe, otherwise "unhealthy".
type Health struct {
	Status    string           `json:"status"`
	Providers []ProviderHealth `json:"providers"`
}

// HealthCheck probes every available provider with a fixed phrase. Probe
// audio is not cached.
func (c *Chain) HealthCheck(ctx context.Context) *Health {
	health := &Health{Status: "unhealthy"}

	for _, p := range c.providers {
		ph := ProviderHealth{Name: p.Name(), Available: p.Available()}
		if ph.Available {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			_, err := p.Synthesize(callCtx, healthProbe, "")
			cancel()
			if err != nil {
				ph.Error = err.Error()
			} else {
				ph.Healthy = true
				health.Status = "healthy"
			}
		}
		health.Providers = append(health.Providers, ph)
	}
	return health
}

// audioCacheKey derives a stable key so the same text, provider, and voice
// share a cache slot.
func audioCacheKey(text, provider, voice string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(voice))
	return hex.EncodeToString(h.Sum(nil))
}
