package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seawire/anchor/pool"
)

// Config carries engine construction settings.
type Config struct {
	// Pool sizes the connection pool.
	Pool pool.Config `yaml:"pool"`
	// Echo logs every executed statement at info level.
	Echo bool `yaml:"echo"`
}

// LoadConfig reads a yaml config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
