package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/tunnelhub/internal/upstream"
)

// EndpointsConfig is the top-level YAML endpoints file.
type EndpointsConfig struct {
	Endpoints []upstream.Endpoint `yaml:"endpoints"`
}

// LoadEndpoints reads and validates an endpoints YAML file. ${VAR} references
// in api_key are expanded from the environment.
func LoadEndpoints(path string) ([]upstream.Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("endpoints config: %w", err)
	}
	var cfg EndpointsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("endpoints config: %w", err)
	}
	seen := make(map[string]bool, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		if ep.ID == "" {
			return nil, fmt.Errorf("endpoints config: endpoints[%d] missing id", i)
		}
		if ep.URL == "" {
			return nil, fmt.Errorf("endpoints config: endpoints[%d] (%s) missing url", i, ep.ID)
		}
		if seen[ep.ID] {
			return nil, fmt.Errorf("endpoints config: endpoints[%d] duplicate id %s", i, ep.ID)
		}
		seen[ep.ID] = true
		cfg.Endpoints[i].APIKey = os.ExpandEnv(ep.APIKey)
	}
	return cfg.Endpoints, nil
}

// FileSource re-reads the endpoints file on every call. A missing file yields
// no endpoints.
type FileSource struct {
	Path string
}

func (s FileSource) Endpoints(context.Context) ([]upstream.Endpoint, error) {
	if s.Path == "" {
		return nil, nil
	}
	eps, err := LoadEndpoints(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("endpoints file not found, no endpoints configured", "path", s.Path)
		return nil, nil
	}
	return eps, err
}
