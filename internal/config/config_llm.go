package config

// LLMConfig is the provider-catalog section of Config: default provider,
// per-provider key pools, and the preferred fallback chain CloudDispatcher
// walks when the default provider's KeyPool is exhausted.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain specifies provider IDs to try, in order, once the
	// default provider's KeyPool returns ErrNoKeyAvailable.
	// Example: ["openai", "google"].
	FallbackChain []string `yaml:"fallback_chain"`
}

// LLMProviderConfig configures one provider's KeyPool: the keys to rotate
// through, whether the provider is a bundled (quota-capped, no-fallback)
// proxy key, and the per-key RPM ceiling RpmPacer enforces until the
// provider's response headers teach it a better number.
type LLMProviderConfig struct {
	// APIKey is a single-key shorthand; ignored if Keys is non-empty.
	APIKey string `yaml:"api_key"`

	// Keys lists the API keys KeyPool round-robins across for this
	// provider, with per-key cooldown on failure.
	Keys []string `yaml:"keys"`

	// BundledKey marks this provider's keys as proxy-bundled: a quota
	// exhaustion (ErrQuotaExceeded) is terminal and does not fall
	// through to the next provider in FallbackChain.
	BundledKey bool `yaml:"bundled_key"`

	// RPMPerKey is the requests-per-minute budget RpmPacer assumes for
	// each key until learned otherwise from response headers.
	RPMPerKey int `yaml:"rpm_per_key"`

	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	APIVersion   string `yaml:"api_version"`
}
