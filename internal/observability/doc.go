// Package observability provides structured logging for coreloop: level
// filtering, JSON/text output, context-correlated fields (request, session,
// user, provider), and automatic redaction of secrets before they reach a
// log sink.
//
// # Logging
//
// Logging is built on Go's slog package with:
//   - Automatic request/session/provider correlation pulled from context
//   - Redaction of API keys, bearer tokens, and passwords before they're
//     written, so provider keys never land in log output
//   - JSON output for production, text for local development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRequestID(context.Background(), requestID)
//	ctx = observability.AddProvider(ctx, "anthropic")
//
//	logger.Info(ctx, "dispatching completion request",
//	    "model", "claude-3-5-sonnet",
//	    "key", apiKey, // automatically redacted
//	)
//
// # Redaction
//
// The logger automatically redacts before a record is written:
//   - Anthropic and OpenAI-shaped API keys
//   - Bearer/token-prefixed values
//   - Passwords and generic secrets
//   - JWTs
//   - Custom patterns supplied via LogConfig.RedactPatterns
//
// Sensitive map keys (password, secret, api_key, token, auth, ...) are
// redacted even when the value itself doesn't match a pattern.
//
// # Context propagation
//
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddSessionID(ctx, sessionID)
//	ctx = observability.AddProvider(ctx, "openai")
//	logger.Info(ctx, "processing") // includes request_id, session_id, provider
//
// logger.WithContext(ctx) bakes the same fields into every subsequent call
// on the returned logger, for callers that hold a logger across a request's
// lifetime instead of passing ctx at every call site.
package observability
