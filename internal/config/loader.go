package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables, e.g. STREAMFIRE_TARGET or
// STREAMFIRE_TRACING_ENDPOINT.
const EnvPrefix = "STREAMFIRE"

// Loader handles loading configuration from files, environment and
// command-line arguments. Precedence is flag, then environment, then file,
// then flag default.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and configuration files to produce a Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	// If nothing points at a target, show help/usage
	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" && os.Getenv(EnvPrefix+"_TARGET") == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindFlags(v, flagSet); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if !v.IsSet("tracing.propagate") {
		cfg.Tracing.Propagate = nil
	}

	cfg.ConfigFile = configPath
	cfg.Target = strings.TrimSpace(cfg.Target)
	cfg.Transport = Transport(strings.ToLower(strings.TrimSpace(string(cfg.Transport))))
	cfg.Mode = strings.ToUpper(strings.TrimSpace(cfg.Mode))
	cfg.DataFile = strings.TrimSpace(cfg.DataFile)
	cfg.ArrivalModel = ArrivalModel(strings.ToLower(string(cfg.ArrivalModel)))
	cfg.Output = OutputFormat(strings.ToLower(string(cfg.Output)))
	if cfg.Metadata == nil {
		cfg.Metadata = map[string]string{}
	}

	return cfg, nil
}
