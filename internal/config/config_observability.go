package config

// LoggingConfig controls the slog-based structured logger's level, output
// format, and secret-redaction patterns.
type LoggingConfig struct {
	Level  string   `yaml:"level"`
	Format string   `yaml:"format"`
	Output string   `yaml:"output"`
	Redact []string `yaml:"redact"`
}
