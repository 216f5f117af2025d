package localengine

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Known chat-template families, in filename/metadata match preference
// order, per §4.6 candidate step 3/4.
const (
	WrapperQwen     = "Qwen"
	WrapperLlama31  = "Llama3.1"
	WrapperLlama3   = "Llama3"
	WrapperMistral  = "Mistral"
	WrapperDeepSeek = "DeepSeek"
	WrapperGemma    = "Gemma"
	// WrapperGeneric is the final fallback that always produces something.
	WrapperGeneric = "Generic"
)

var familyOrder = []string{WrapperQwen, WrapperLlama31, WrapperLlama3, WrapperMistral, WrapperDeepSeek, WrapperGemma}

var filenameFamilyPatterns = map[string]*regexp.Regexp{
	WrapperQwen:     regexp.MustCompile(`(?i)qwen`),
	WrapperLlama31:  regexp.MustCompile(`(?i)llama.?3\.1|llama.?31`),
	WrapperLlama3:   regexp.MustCompile(`(?i)llama.?3(?!\.1)`),
	WrapperMistral:  regexp.MustCompile(`(?i)mistral`),
	WrapperDeepSeek: regexp.MustCompile(`(?i)deepseek`),
	WrapperGemma:    regexp.MustCompile(`(?i)gemma`),
}

var architectureFamilyPatterns = map[string]*regexp.Regexp{
	WrapperQwen:     regexp.MustCompile(`(?i)qwen`),
	WrapperLlama31:  regexp.MustCompile(`(?i)llama.?3\.1`),
	WrapperLlama3:   regexp.MustCompile(`(?i)llama`),
	WrapperMistral:  regexp.MustCompile(`(?i)mistral`),
	WrapperDeepSeek: regexp.MustCompile(`(?i)deepseek`),
	WrapperGemma:    regexp.MustCompile(`(?i)gemma`),
}

// probeMessage is the fixed prompt every candidate wrapper is tested
// against; a correct chat template turns it into a token sequence that
// reliably elicits "yes".
const probeMessage = "Reply with only the word: yes"

const probeMaxTokens = 20

// WrapperProber empirically selects a chat-template formatter for a given
// local model, caching the result on (path, size, mtime) so a probe only
// ever runs once per model file.
//
// Probes must run before the main context is created (a large main context
// consumes all remaining VRAM on small GPUs and would starve subsequent
// probe contexts) — callers invoke Probe from within the load ladder before
// Engine.createMainContext.
type WrapperProber struct {
	native NativeModel
	cache  *WrapperCache
}

// NewWrapperProber constructs a prober backed by native and persisting
// results to cache.
func NewWrapperProber(native NativeModel, cache *WrapperCache) *WrapperProber {
	return &WrapperProber{native: native, cache: cache}
}

// ProbeResult is the outcome of Probe: the chosen wrapper name and whether
// it was served from cache (no probe contexts were created).
type ProbeResult struct {
	WrapperName string
	FromCache   bool
}

// Probe selects a wrapper for model loaded from modelPath, sized size bytes
// with the given mtime (unix seconds). It tries, in order: the cached
// result, the library's auto-detected wrapper, an embedded Jinja template,
// a filename-family match, a metadata-architecture match, then the fixed
// generic fallback list — confirming each candidate by generating against
// probeMessage on a throwaway 512-token context and checking for "yes"
// (case-insensitive). The first confirmed candidate is cached and
// returned; if every candidate fails confirmation, the auto-detected
// wrapper is kept (WrapperProbeAllFail, §7 degrade).
func (p *WrapperProber) Probe(ctx context.Context, model ModelHandle, modelPath string, size, mtimeUnix int64) (ProbeResult, error) {
	key := CacheKey(modelPath, size, mtimeUnix)
	if p.cache != nil {
		if cached, ok := p.cache.Get(key); ok {
			return ProbeResult{WrapperName: cached, FromCache: true}, nil
		}
	}

	candidates := p.candidateOrder(model, modelPath)
	autoDetected := p.native.DetectWrapper(model)
	if autoDetected == "" && len(candidates) > 0 {
		autoDetected = candidates[0]
	}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		ok, err := p.confirm(ctx, model, candidate)
		if err != nil {
			continue
		}
		if ok {
			if p.cache != nil {
				_ = p.cache.Set(key, candidate)
			}
			return ProbeResult{WrapperName: candidate}, nil
		}
	}

	// WrapperProbeAllFail: keep the auto-detected wrapper and continue.
	return ProbeResult{WrapperName: autoDetected}, nil
}

// candidateOrder builds the deduplicated candidate list per §4.6 steps 1-5.
func (p *WrapperProber) candidateOrder(model ModelHandle, modelPath string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	add(p.native.DetectWrapper(model))
	add(p.native.EmbeddedJinjaTemplate(model))

	base := filepath.Base(modelPath)
	for _, family := range familyOrder {
		if filenameFamilyPatterns[family].MatchString(base) {
			add(family)
			break
		}
	}

	arch := p.native.ArchitectureFamily(model)
	if arch != "" {
		for _, family := range familyOrder {
			if architectureFamilyPatterns[family].MatchString(arch) {
				add(family)
				break
			}
		}
	}

	for _, family := range familyOrder {
		add(family)
	}
	add(WrapperGeneric)

	return out
}

// confirm builds a 512-token temp context + sequence + chat for candidate,
// generates up to probeMaxTokens tokens against probeMessage, and reports
// whether the output contains "yes" (case-insensitive). The temp context
// is always disposed before returning.
func (p *WrapperProber) confirm(ctx context.Context, model ModelHandle, candidate string) (bool, error) {
	tempCtx, err := p.native.CreateContext(ctx, model, ContextOptions{
		MinContextSize: 512,
		MaxContextSize: 512,
		Threads:        1,
		Timeout:        defaultProbeTimeout,
	})
	if err != nil {
		return false, err
	}
	defer p.native.DisposeContext(tempCtx) //nolint:errcheck

	seq, err := p.native.NewSequence(tempCtx)
	if err != nil {
		return false, err
	}

	chat, err := p.native.NewChat(tempCtx, candidate, "")
	if err != nil {
		return false, err
	}
	defer p.native.DisposeChat(chat) //nolint:errcheck

	result, err := p.native.Generate(ctx, seq, chat, GenerateOptions{
		Prompt:    probeMessage,
		MaxTokens: probeMaxTokens,
	})
	if err != nil {
		return false, err
	}

	return strings.Contains(strings.ToLower(result.Text), "yes"), nil
}

const defaultProbeTimeout = 0 // no per-call timeout beyond ctx; probes run during load, which has its own budget.

// statFileForCacheKey is a small helper Engine uses to build a CacheKey
// from a model path without duplicating os.Stat handling.
func statFileForCacheKey(path string) (size, mtimeUnix int64, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return 0, 0, statErr
	}
	return info.Size(), info.ModTime().Unix(), nil
}
