package dispatch

import "errors"

// Sentinel errors surfaced by KeyPool and CloudDispatcher. Checked with
// errors.Is by AgenticLoop when deciding whether to fall through to the
// next provider in the fallback chain.
var (
	// ErrNoKeyAvailable is returned by KeyPool.Acquire when every key for
	// a provider is currently cooling down.
	ErrNoKeyAvailable = errors.New("no key available")

	// ErrProviderCoolingDown is returned by CloudDispatcher.Generate when
	// the provider-level cooldown set by a prior exhaustion is still
	// active and no pool key is available.
	ErrProviderCoolingDown = errors.New("provider cooling down")

	// ErrDuplicateKey is returned by KeyPool.Add when the exact key
	// string is already present for that provider.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrUnknownProvider is returned when a provider id has no
	// ProviderRegistry entry.
	ErrUnknownProvider = errors.New("unknown provider")
)
