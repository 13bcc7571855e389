package config

import (
	"errors"
	"fmt"

	"github.com/goccy/go-yaml"
)

// ProviderCatalog lists the upstream STT providers available to the
// relay, loaded from the YAML config overlay. Only one is selected per
// deployment today (the first active entry), but the catalog shape keeps
// failover to a second provider a config change, not a code change —
// lifted from the teacher's model-routing provider list idiom.
type ProviderCatalog struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// Validate checks the catalog is non-empty and has no duplicate names.
func (c *ProviderCatalog) Validate() error {
	if len(c.Providers) == 0 {
		return errors.New("no upstream STT providers configured")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate upstream provider entry %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// Active returns the first provider marked active, or the first provider
// if none are explicitly marked.
func (c *ProviderCatalog) Active() (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Active {
			return p, true
		}
	}
	if len(c.Providers) > 0 {
		return c.Providers[0], true
	}
	return ProviderConfig{}, false
}

// ProviderConfig describes one upstream STT provider endpoint.
type ProviderConfig struct {
	Name         string `yaml:"name"`
	BaseURL      string `yaml:"base_url"`
	APIKeyEnvVar string `yaml:"api_key_env_var"`
	SampleRate   int    `yaml:"sample_rate"`
	AudioFormat  string `yaml:"audio_format"`
	Active       bool   `yaml:"active"`
}

// Validate defaults SampleRate/AudioFormat to the wire contract's fixed
// values and rejects a provider with no endpoint.
func (p *ProviderConfig) Validate() error {
	if p.Name == "" {
		return errors.New("upstream provider entry missing name")
	}
	if p.BaseURL == "" {
		return fmt.Errorf("upstream provider %q missing base_url", p.Name)
	}
	if p.SampleRate == 0 {
		p.SampleRate = 16000
	}
	if p.AudioFormat == "" {
		p.AudioFormat = "pcm_s16le"
	}
	return nil
}

// unmarshalProviderCatalog validates after unmarshal, matching the
// teacher's ModelRouterConfig custom-unmarshaler idiom.
func unmarshalProviderCatalog(value *ProviderCatalog, data []byte) error {
	type alias ProviderCatalog
	var aux alias
	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}
	*value = ProviderCatalog(aux)
	return value.Validate()
}

func unmarshalProviderConfig(value *ProviderConfig, data []byte) error {
	type alias ProviderConfig
	var aux alias
	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}
	*value = ProviderConfig(aux)
	return value.Validate()
}

func init() {
	yaml.RegisterCustomUnmarshaler[ProviderCatalog](unmarshalProviderCatalog)
	yaml.RegisterCustomUnmarshaler[ProviderConfig](unmarshalProviderConfig)
}
