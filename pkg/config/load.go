package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadConfiguration reads and validates the tag configuration file. Unknown
// JSON fields are ignored by encoding/json's default decoding behavior;
// missing optional fields take the defaults applied by Validate.
func LoadConfiguration(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read configuration file: %v", ErrConfig, err)
	}

	var cfg Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse configuration file: %v", ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the tag configuration back to disk as indented JSON.
func (cfg *Configuration) Save(path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}
