package config

// Config is the root configuration for coreloop: the provider catalog and
// key pools, the local model's lifecycle settings, and the ambient
// logging setup. Loaded via Load (YAML or JSON5, with $include resolution
// and KnownFields(true) strict decoding). It carries only the fields this
// module's components actually consume — no server, gateway, auth, or
// plugin sections, since this module has no component to drive them.
type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// Load reads path (resolving $include directives, expanding environment
// variables, and parsing YAML or JSON5 by extension) and strictly decodes
// the result into a Config. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	return decodeRawConfig(raw)
}
