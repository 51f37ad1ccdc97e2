package config

import (
	"strings"

	"github.com/spf13/pflag"
)

// Flags are the command-line overrides. Empty values leave the environment
// setting in place.
type Flags struct {
	EnvFile       string
	EndpointsFile string
	LogLevel      string
}

// ParseFlags parses args (without the program name).
func ParseFlags(name string, args []string) (Flags, error) {
	var f Flags
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&f.EnvFile, "env-file", "", "path to a .env file to load before reading the environment")
	fs.StringVar(&f.EndpointsFile, "endpoints", "", "path to the YAML endpoints file (overrides TUNNELHUB_ENDPOINTS_FILE)")
	fs.StringVar(&f.LogLevel, "log-level", "", "debug, info, warn or error (overrides TUNNELHUB_LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// Apply copies non-empty overrides into cfg.
func (f Flags) Apply(cfg *Config) {
	if f.EndpointsFile != "" {
		cfg.EndpointsFile = f.EndpointsFile
	}
	if f.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(f.LogLevel)
	}
}
