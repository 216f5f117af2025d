package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/clawdbot/coreloop/internal/agent"
	"github.com/clawdbot/coreloop/internal/agent/providers"
	"github.com/clawdbot/coreloop/internal/backoff"
	"github.com/clawdbot/coreloop/internal/config"
	"github.com/clawdbot/coreloop/internal/observability"
	"github.com/clawdbot/coreloop/internal/stream"
)

// keyCooldownPolicy grows a cooled-down key's penalty with each attempt
// within a single generate() call, instead of a flat 60s: attempt 1 starts
// at 60s and doubles up to a 10-minute ceiling.
var keyCooldownPolicy = backoff.BackoffPolicy{InitialMs: 60000, MaxMs: 600000, Factor: 2, Jitter: 0.1}

// providerCooldownPolicy sets the provider-level cooldown applied on full
// key-pool exhaustion, per §4.3 step 5. It uses the pool size as the
// attempt number, so a provider with more keys (and therefore more failed
// attempts before exhaustion) cools down longer.
var providerCooldownPolicy = backoff.BackoffPolicy{InitialMs: 60000, MaxMs: 900000, Factor: 1.5, Jitter: 0.1}

type requestBuilder func(ctx context.Context, host, path, key string, req *agent.CompletionRequest) (*http.Request, error)
type chunkDecoder func(ctx context.Context, body io.ReadCloser) <-chan *stream.Chunk

type dialectImpl struct {
	build  requestBuilder
	decode chunkDecoder
}

var dialectTable = map[Dialect]dialectImpl{
	DialectOpenAI:       {build: buildOpenAIRequest, decode: decodeOpenAI},
	DialectAnthropic:    {build: buildAnthropicRequest, decode: decodeAnthropic},
	DialectOllamaNDJSON: {build: buildOllamaRequest, decode: decodeOllama},
	DialectAPIFreeLLM:   {build: buildAPIFreeLLMRequest, decode: decodeAPIFreeLLM},
	DialectProxy:        {build: buildProxyRequest, decode: decodeProxy},
}

// CloudDispatcher composes KeyPool + RpmPacer + a shared HTTP client, and
// retries across keys then providers on rate-limit or transient errors. It
// implements agent.LLMProvider so AgenticLoop can drive it like any other
// backend.
//
// generate() walks every key in a provider's pool, cooling a key down once
// it's exhausted its attempts and cooling the whole provider down once
// every key has failed; Complete() then walks the caller's preferred
// fallback chain to the next provider still off cooldown. The shared
// *http.Client uses MaxIdleConnsPerHost: 6, keepAlive enabled, and a 60s
// timeout.
type CloudDispatcher struct {
	registry *ProviderRegistry
	keys     *KeyPool
	pacer    *RpmPacer
	client   *http.Client
	logger   *observability.Logger

	mu                sync.Mutex
	providerCooldowns map[string]time.Time

	defaultProvider     string
	fallbackChain       []string
	bundledSessionToken string
}

// NewCloudDispatcher wires a dispatcher from the provider catalog, a key
// pool pre-populated from cfg, a pacer, and a logger.
func NewCloudDispatcher(registry *ProviderRegistry, keys *KeyPool, pacer *RpmPacer, cfg config.LLMConfig, logger *observability.Logger) *CloudDispatcher {
	d := &CloudDispatcher{
		registry:          registry,
		keys:              keys,
		pacer:             pacer,
		logger:            logger,
		providerCooldowns: make(map[string]time.Time),
		defaultProvider:   cfg.DefaultProvider,
		fallbackChain:     cfg.FallbackChain,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 6,
				DisableKeepAlives:   false,
			},
		},
	}
	for id, pc := range cfg.Providers {
		for _, k := range pc.Keys {
			_ = keys.Add(id, k)
		}
		if pc.APIKey != "" && len(pc.Keys) == 0 {
			_ = keys.Add(id, pc.APIKey)
		}
		if rec, ok := registry.Get(id); ok {
			if pc.BaseURL != "" {
				rec.Host = pc.BaseURL
			}
			if pc.DefaultModel != "" {
				rec.DefaultModel = pc.DefaultModel
			}
			if pc.RPMPerKey > 0 {
				rec.DefaultRPMPerKey = pc.RPMPerKey
			}
			rec.Bundled = rec.Bundled || pc.BundledKey
			registry.Register(rec)
		}
	}
	return d
}

var _ agent.LLMProvider = (*CloudDispatcher)(nil)

// Name identifies this provider to AgenticLoop.
func (d *CloudDispatcher) Name() string { return "cloud" }

// Models returns the default provider's advertised models.
func (d *CloudDispatcher) Models() []agent.Model {
	rec, ok := d.registry.Get(d.defaultProvider)
	if !ok || rec.DefaultModel == "" {
		return nil
	}
	return []agent.Model{{ID: rec.DefaultModel, Name: rec.DefaultModel}}
}

// SupportsTools reports true: every cataloged dialect accepts tool
// definitions in the request body.
func (d *CloudDispatcher) SupportsTools() bool { return true }

// SetBundledSessionToken installs the session token used to route bundled
// (quota-capped, no-fallback) requests through the proxy endpoint.
func (d *CloudDispatcher) SetBundledSessionToken(token string) {
	d.bundledSessionToken = token
}

// Complete implements agent.LLMProvider. It generates against the
// requested (or default) provider, and on rate-limit/transient failure
// walks the preferred fallback chain, skipping the originating and any
// currently-cooling provider, per §4.3.
func (d *CloudDispatcher) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	provider := req.Provider
	if provider == "" {
		provider = d.defaultProvider
	}
	if provider == "" {
		return nil, agent.ErrNoProvider
	}

	if provider == "google" {
		if chunks, err := d.tryGoogleAlternates(ctx, req); err == nil {
			return chunks, nil
		}
	}

	chunks, err := d.generate(ctx, provider, req)
	if err == nil {
		return chunks, nil
	}
	if errors.Is(err, agent.ErrQuotaExceeded) || !providers.ShouldFailover(err) {
		return nil, err
	}

	chain := d.fallbackChain
	if len(chain) == 0 {
		chain = PreferredFallbackChain()
	}

	lastErr := err
	for _, fb := range chain {
		if fb == provider || d.isCoolingDown(fb) {
			continue
		}
		rec, ok := d.registry.Get(fb)
		if !ok {
			continue
		}
		d.logger.Info(ctx, "falling back to next provider", "from", provider, "to", fb, "cause", lastErr)
		fbReq := *req
		fbReq.Provider = fb
		fbReq.Model = rec.DefaultModel
		chunks, err = d.generate(ctx, fb, &fbReq)
		if err == nil {
			return chunks, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (d *CloudDispatcher) tryGoogleAlternates(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	var lastErr error
	for _, model := range GoogleAlternateModels() {
		altReq := *req
		altReq.Provider = "google"
		altReq.Model = model
		chunks, err := d.generate(ctx, "google", &altReq)
		if err == nil {
			return chunks, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// generate runs the 5-step CloudDispatcher algorithm against one provider.
func (d *CloudDispatcher) generate(ctx context.Context, provider string, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ctx = observability.AddProvider(ctx, provider)

	rec, ok := d.registry.Get(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	// Step 1: bundled proxy routing.
	if rec.Bundled && d.bundledSessionToken != "" && len(req.Images) == 0 {
		chunks, err := d.dispatchOnce(ctx, rec, "proxy", d.bundledSessionToken, req)
		if err == nil {
			return chunks, nil
		}
		var perr *providers.ProviderError
		if errors.As(err, &perr) && perr.Reason == providers.FailoverQuotaExceeded {
			return nil, fmt.Errorf("%w: %s", agent.ErrQuotaExceeded, provider)
		}
		// network failure: fall through to direct keys below.
	}

	// Step 2: provider-level cooldown with no key available.
	if d.isCoolingDown(provider) && !d.keys.HasAvailable(provider) {
		return nil, ErrProviderCoolingDown
	}

	// Step 3: pace.
	wait := d.pacer.Pace(provider, d.keys.PoolSize(provider), rec.DefaultRPMPerKey)
	if wait > 0 {
		if err := backoff.SleepWithContext(ctx, wait); err != nil {
			return nil, err
		}
	}

	// Step 4: per-key attempts.
	poolSize := d.keys.PoolSize(provider)
	if poolSize == 0 {
		poolSize = 1 // single-key shorthand already registered as one pool entry
	}

	var lastErr error
	for i := 0; i < poolSize; i++ {
		key, acquireErr := d.keys.Acquire(provider)
		if acquireErr != nil {
			lastErr = acquireErr
			break
		}

		d.pacer.Record(provider, time.Now())
		chunks, err := d.dispatchOnce(ctx, rec, provider, key, req)
		if err == nil {
			return chunks, nil
		}

		lastErr = err
		var perr *providers.ProviderError
		if errors.As(err, &perr) {
			switch perr.Reason {
			case providers.FailoverRateLimit, providers.FailoverAuth, providers.FailoverInvalidRequest:
				cooldown := backoff.ComputeBackoff(keyCooldownPolicy, i+1)
				d.logger.Warn(ctx, "cooling down key after provider error", "provider", provider, "reason", perr.Reason, "cooldown", cooldown)
				d.keys.CoolDown(provider, key, cooldown)
				continue
			case providers.FailoverServerError, providers.FailoverTimeout:
				// transient: surface immediately, caller may fall through
				// to a different provider.
				return nil, err
			}
		}
		// Unclassified errors are treated as transient too.
		return nil, err
	}

	// Step 5: exhaustion.
	cooldown := backoff.ComputeBackoff(providerCooldownPolicy, poolSize)
	d.logger.Warn(ctx, "provider key pool exhausted, entering cooldown", "provider", provider, "cooldown", cooldown, "cause", lastErr)
	d.mu.Lock()
	d.providerCooldowns[provider] = time.Now().Add(cooldown)
	d.mu.Unlock()
	return nil, lastErr
}

func (d *CloudDispatcher) dispatchOnce(ctx context.Context, rec ProviderRecord, provider, key string, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	impl, ok := dialectTable[rec.Dialect]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported dialect %s", ErrUnknownProvider, rec.Dialect)
	}

	model := req.Model
	if model == "" {
		model = rec.DefaultModel
	}
	dialectReq := *req
	dialectReq.Model = model

	httpReq, err := impl.build(ctx, rec.Host, rec.Path, key, &dialectReq)
	if err != nil {
		return nil, providers.NewProviderError(provider, model, err)
	}

	var resp *http.Response
	callErr := d.logger.TimedCall(ctx, "provider round trip", func() error {
		var doErr error
		resp, doErr = d.client.Do(httpReq)
		return doErr
	})
	if callErr != nil {
		reason := providers.FailoverServerError
		if errors.Is(callErr, context.DeadlineExceeded) || isTimeoutErr(callErr) {
			reason = providers.FailoverTimeout
		}
		return nil, (&providers.ProviderError{Provider: provider, Model: model, Reason: reason, Cause: callErr}).WithMessage(callErr.Error())
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		msg := strings.TrimSpace(string(body))
		perr := providers.NewProviderError(provider, model, errors.New(msg)).WithStatus(resp.StatusCode)
		if looksLikeQuotaMarker(msg) && rec.Bundled {
			perr.Reason = providers.FailoverQuotaExceeded
		}
		return nil, perr
	}

	d.pacer.Learn(provider, resp.Header)

	raw := impl.decode(ctx, resp.Body)
	out := make(chan *agent.CompletionChunk)
	go adaptStreamChunks(raw, out)
	return out, nil
}

// adaptStreamChunks converts stream.Chunk values into agent.CompletionChunk
// values, accumulating tool-call argument fragments by ToolCallID until a
// KindToolCallDone arrives.
func adaptStreamChunks(in <-chan *stream.Chunk, out chan<- *agent.CompletionChunk) {
	defer close(out)

	type partial struct {
		name string
		args strings.Builder
	}
	pending := map[string]*partial{}

	for c := range in {
		if c.Err != nil {
			out <- &agent.CompletionChunk{Error: c.Err, Done: true}
			return
		}
		switch c.Kind {
		case stream.KindText:
			out <- &agent.CompletionChunk{Text: c.Text}
		case stream.KindThought:
			out <- &agent.CompletionChunk{Thinking: c.Text}
		case stream.KindToolCallPartial:
			p, ok := pending[c.ToolCallID]
			if !ok {
				p = &partial{}
				pending[c.ToolCallID] = p
			}
			if c.FunctionName != "" {
				p.name = c.FunctionName
			}
			p.args.WriteString(c.ArgsDelta)
		case stream.KindToolCallDone:
			p, ok := pending[c.ToolCallID]
			args := c.Args
			name := c.FunctionName
			if ok {
				if args == "" {
					args = p.args.String()
				}
				if name == "" {
					name = p.name
				}
				delete(pending, c.ToolCallID)
			}
			if args == "" {
				args = "{}"
			}
			out <- &agent.CompletionChunk{ToolCall: toolCallFrom(name, args)}
		case stream.KindEnd:
			out <- &agent.CompletionChunk{Done: true, InputTokens: c.InputTokens, OutputTokens: c.OutputTokens}
			return
		}
	}
}

func (d *CloudDispatcher) isCoolingDown(provider string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.providerCooldowns[provider]
	return ok && time.Now().Before(until)
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func looksLikeQuotaMarker(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "insufficient_quota") || strings.Contains(lower, "exhausted")
}
