package dispatch

// Dialect selects both the request-body builder and the stream.Decode*
// variant a provider speaks.
type Dialect string

const (
	DialectOpenAI       Dialect = "openai"
	DialectAnthropic    Dialect = "anthropic"
	DialectAPIFreeLLM   Dialect = "apifreellm"
	DialectOllamaNDJSON Dialect = "ollama-ndjson"
	DialectProxy        Dialect = "proxy"
)

// ProviderRecord is the static record describing one provider: its HTTP
// surface, wire dialect, default rate budget, and vision-capable models.
type ProviderRecord struct {
	ID               string
	Host             string
	Path             string
	Dialect          Dialect
	DefaultRPMPerKey int
	DefaultModel     string
	SupportsVision   map[string]bool
	Bundled          bool
}

// ProviderRegistry is the static catalog of every provider this module
// knows how to dispatch to, seeded in code rather than fetched remotely.
// Concrete host/path values for each entry come from that provider's
// documented OpenAI-compatible or native chat-completion endpoint; see
// DESIGN.md for the full per-provider rationale.
type ProviderRegistry struct {
	providers map[string]ProviderRecord
}

// NewProviderRegistry returns a registry seeded with the full provider
// catalog from §3: openai, anthropic, groq, cerebras, sambanova,
// openrouter, google, nvidia, cohere, mistral, huggingface, cloudflare,
// together, fireworks, ollama (local-http, ollama-ndjson dialect),
// apifreellm, plus a bundled proxy entry.
func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{providers: make(map[string]ProviderRecord)}
	for _, p := range defaultCatalog() {
		r.providers[p.ID] = p
	}
	return r
}

// Get returns the static record for id, or false if unknown.
func (r *ProviderRegistry) Get(id string) (ProviderRecord, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// Register overrides or adds a provider record, used when config.go's
// LLMConfig.Providers supplies a custom base_url/api_version for a
// catalog entry.
func (r *ProviderRegistry) Register(p ProviderRecord) {
	r.providers[p.ID] = p
}

// All returns every registered provider id.
func (r *ProviderRegistry) All() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// PreferredFallbackChain is the order CloudDispatcher walks on rate-limit
// or transient failure, per §4.3, skipping the originating provider and
// any currently-cooling provider.
func PreferredFallbackChain() []string {
	return []string{"cerebras", "sambanova", "openrouter", "groq", "google", "nvidia", "cohere", "mistral", "huggingface", "cloudflare", "together", "fireworks"}
}

// GoogleAlternateModels lists the Gemini models tried, in order, before
// CloudDispatcher falls through to the next provider when google is the
// originating provider — each has independent per-model rate limits.
func GoogleAlternateModels() []string {
	return []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-2.0-flash"}
}

func defaultCatalog() []ProviderRecord {
	return []ProviderRecord{
		{ID: "openai", Host: "https://api.openai.com", Path: "/v1/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 500, DefaultModel: "gpt-4o-mini", SupportsVision: map[string]bool{"gpt-4o": true, "gpt-4o-mini": true, "gpt-4-turbo": true}},
		{ID: "anthropic", Host: "https://api.anthropic.com", Path: "/v1/messages", Dialect: DialectAnthropic, DefaultRPMPerKey: 50, DefaultModel: "claude-3-5-sonnet", SupportsVision: map[string]bool{"claude-3-5-sonnet": true, "claude-3-opus": true}},
		{ID: "groq", Host: "https://api.groq.com", Path: "/openai/v1/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 30, DefaultModel: "llama-3.3-70b-versatile"},
		{ID: "cerebras", Host: "https://api.cerebras.ai", Path: "/v1/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 30, DefaultModel: "llama3.1-70b"},
		{ID: "sambanova", Host: "https://api.sambanova.ai", Path: "/v1/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 20, DefaultModel: "Meta-Llama-3.1-70B-Instruct"},
		{ID: "openrouter", Host: "https://openrouter.ai", Path: "/api/v1/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 20, DefaultModel: "openrouter/auto"},
		{ID: "google", Host: "https://generativelanguage.googleapis.com", Path: "/v1beta/openai/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 15, DefaultModel: "gemini-1.5-flash", SupportsVision: map[string]bool{"gemini-1.5-pro": true, "gemini-1.5-flash": true, "gemini-2.0-flash": true}},
		{ID: "nvidia", Host: "https://integrate.api.nvidia.com", Path: "/v1/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 40, DefaultModel: "meta/llama-3.1-70b-instruct"},
		{ID: "cohere", Host: "https://api.cohere.ai", Path: "/compatibility/v1/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 20, DefaultModel: "command-r-plus"},
		{ID: "mistral", Host: "https://api.mistral.ai", Path: "/v1/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 30, DefaultModel: "mistral-large-latest"},
		{ID: "huggingface", Host: "https://api-inference.huggingface.co", Path: "/v1/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 10, DefaultModel: "meta-llama/Llama-3.3-70B-Instruct"},
		{ID: "cloudflare", Host: "https://api.cloudflare.com", Path: "/client/v4/accounts/workers-ai/v1/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 20, DefaultModel: "@cf/meta/llama-3.1-70b-instruct"},
		{ID: "together", Host: "https://api.together.xyz", Path: "/v1/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 30, DefaultModel: "meta-llama/Llama-3.3-70B-Instruct-Turbo"},
		{ID: "fireworks", Host: "https://api.fireworks.ai", Path: "/inference/v1/chat/completions", Dialect: DialectOpenAI, DefaultRPMPerKey: 30, DefaultModel: "accounts/fireworks/models/llama-v3p1-70b-instruct"},
		{ID: "ollama", Host: "http://localhost:11434", Path: "/api/chat", Dialect: DialectOllamaNDJSON, DefaultRPMPerKey: 1000},
		{ID: "apifreellm", Host: "https://apifreellm.com", Path: "/api/chat", Dialect: DialectAPIFreeLLM, DefaultRPMPerKey: 12},
		{ID: "proxy", Host: "", Path: "/v1/proxy/chat", Dialect: DialectProxy, DefaultRPMPerKey: 20, Bundled: true},
	}
}
