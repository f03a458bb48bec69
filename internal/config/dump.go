package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Redacted replaces every configured API key.
func (c Config) Redacted() Config {
	out := c
	out.PersonNames = append([]PersonName(nil), c.PersonNames...)
	out.Zones = append([]Zone(nil), c.Zones...)
	for _, k := range []*string{&out.GoogleAPIKey, &out.MapboxAPIKey, &out.MapquestAPIKey, &out.OSMAPIKey, &out.RadarAPIKey} {
		if *k != NotUsed && *k != "" {
			*k = "**REDACTED**"
		}
	}
	return out
}

// Dump writes the effective configuration as yaml.
func Dump(w io.Writer, cfg Config, redact bool) error {
	if redact {
		cfg = cfg.Redacted()
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
