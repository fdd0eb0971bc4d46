package guardrail

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ParsePolicy decodes a YAML guardrail policy. Unknown keys are rejected so
// a misspelled field does not silently drop a rule.
//
//	tone_style: warm and concise
//	rules: Never promise delivery dates.
//	banned_words: [guaranteed refund]
//	topic_rules:
//	  - tag: billing
//	    instruction: Link the billing FAQ.
func ParsePolicy(data []byte) (Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing guardrail policy: %w", err)
	}
	return cfg.Normalize()
}

// MarshalPolicy renders cfg as YAML.
func MarshalPolicy(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
