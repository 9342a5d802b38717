package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/torosent/streamfire/internal/auth"
	"github.com/torosent/streamfire/internal/connection"
	"github.com/torosent/streamfire/internal/extractor"
	"github.com/torosent/streamfire/internal/threshold"
)

type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportGRPC      Transport = "grpc"
)

type ArrivalModel string

const (
	ArrivalModelUniform ArrivalModel = "uniform"
	ArrivalModelPoisson ArrivalModel = "poisson"
)

type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
	OutputYAML OutputFormat = "yaml"
)

type Config struct {
	Target          string            `mapstructure:"target"`
	Transport       Transport         `mapstructure:"transport"`
	Mode            string            `mapstructure:"mode"`
	Route           string            `mapstructure:"route"`
	Data            string            `mapstructure:"data"`
	DataFile        string            `mapstructure:"data_file"`
	Metadata        map[string]string `mapstructure:"metadata"`
	ChannelMessages []string          `mapstructure:"channel_messages"`

	DataSet        string     `mapstructure:"data_set"`
	DataSetRecycle bool       `mapstructure:"data_set_recycle"`
	Extract        []string   `mapstructure:"extract"`
	ExtractOnError bool       `mapstructure:"extract_on_error"`
	Thresholds     []string   `mapstructure:"thresholds"`
	Auth           AuthConfig `mapstructure:"auth"`

	Threads      int           `mapstructure:"threads"`
	Iterations   int           `mapstructure:"iterations"`
	Duration     time.Duration `mapstructure:"duration"`
	Rate         int           `mapstructure:"rate"`
	ArrivalModel ArrivalModel  `mapstructure:"arrival_model"`
	MaxQueued    int           `mapstructure:"max_queued"`

	ResponseTimeout  time.Duration `mapstructure:"response_timeout"`
	RampDown         time.Duration `mapstructure:"ramp_down"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PoolSize         int           `mapstructure:"pool_size"`
	GRPC             GRPCConfig    `mapstructure:"grpc"`

	LogLevel  string       `mapstructure:"log_level"`
	LogFormat string       `mapstructure:"log_format"`
	Output    OutputFormat `mapstructure:"output"`
	Progress  bool         `mapstructure:"progress"`

	Tracing TracingConfig `mapstructure:"tracing"`

	ConfigFile string `mapstructure:"-"`
}

type GRPCConfig struct {
	TLS      bool `mapstructure:"tls"`      // Use TLS
	Insecure bool `mapstructure:"insecure"` // Skip TLS verification
}

// AuthConfig configures the token added to request metadata. A static token
// wins over the OAuth2 settings.
type AuthConfig struct {
	Token               string        `mapstructure:"token"`
	TokenURL            string        `mapstructure:"token_url"`
	ClientID            string        `mapstructure:"client_id"`
	ClientSecret        string        `mapstructure:"client_secret"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	Scopes              []string      `mapstructure:"scopes"`
	RefreshBeforeExpiry time.Duration `mapstructure:"refresh_before_expiry"`
}

func (a AuthConfig) Provider() auth.Config {
	return auth.Config{
		Token:               a.Token,
		TokenURL:            a.TokenURL,
		ClientID:            a.ClientID,
		ClientSecret:        a.ClientSecret,
		Username:            a.Username,
		Password:            a.Password,
		Scopes:              a.Scopes,
		RefreshBeforeExpiry: a.RefreshBeforeExpiry,
	}
}

// TracingConfig configures OpenTelemetry export. Tracing is enabled when an
// endpoint is configured, either here or through OTEL_EXPORTER_OTLP_ENDPOINT.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"` // grpc or http
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	Propagate   *bool   `mapstructure:"propagate"`
}

func (t TracingConfig) Enabled() bool {
	return t.Endpoint != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate reports whether W3C trace context is injected into
// outgoing requests. It defaults to Enabled.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

// InteractionMode parses Mode.
func (c Config) InteractionMode() (connection.Mode, error) {
	return connection.ParseMode(c.Mode)
}

// RequestData returns the inline data or the content of DataFile.
func (c Config) RequestData() ([]byte, error) {
	if c.DataFile == "" {
		return []byte(c.Data), nil
	}
	data, err := os.ReadFile(c.DataFile)
	if err != nil {
		return nil, fmt.Errorf("read data file: %w", err)
	}
	return data, nil
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	if strings.TrimSpace(c.Target) == "" {
		issues = append(issues, "target is required")
	}
	issues = append(issues, validateTransport(c)...)

	if c.Data != "" && c.DataFile != "" {
		issues = append(issues, "data and data_file are mutually exclusive")
	}
	if c.Threads < 1 {
		issues = append(issues, "threads must be at least 1")
	}
	if c.Iterations < 0 {
		issues = append(issues, "iterations must be non-negative")
	}
	if c.Rate < 0 {
		issues = append(issues, "rate must be non-negative")
	}
	if c.MaxQueued < 1 {
		issues = append(issues, "max_queued must be at least 1")
	}
	if c.PoolSize < 0 {
		issues = append(issues, "pool_size must be non-negative")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"duration", c.Duration},
		{"response_timeout", c.ResponseTimeout},
		{"ramp_down", c.RampDown},
		{"handshake_timeout", c.HandshakeTimeout},
	} {
		if d.value < 0 {
			issues = append(issues, fmt.Sprintf("%s must be non-negative", d.name))
		}
	}

	issues = append(issues, validateDataFlow(c)...)
	issues = append(issues, validateArrivalModel(c.ArrivalModel)...)
	issues = append(issues, validateOutput(c)...)
	issues = append(issues, validateTracing(c.Tracing)...)

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateTransport(c Config) []string {
	var issues []string
	switch c.Transport {
	case TransportWebSocket, TransportGRPC:
	default:
		issues = append(issues, fmt.Sprintf("transport %q is not supported (use websocket or grpc)", c.Transport))
	}

	mode, err := c.InteractionMode()
	if err != nil {
		return append(issues, err.Error())
	}
	if mode == connection.MetadataPush && c.Transport == TransportWebSocket {
		issues = append(issues, fmt.Sprintf("%s: %s over websocket", connection.ErrUnsupportedMode, mode))
	}
	if len(c.ChannelMessages) > 0 && mode != connection.RequestChannel {
		issues = append(issues, "channel_messages requires mode REQUEST_CHANNEL")
	}
	if c.GRPC.Insecure && !c.GRPC.TLS {
		issues = append(issues, "grpc.insecure requires grpc.tls")
	}
	return issues
}

func validateDataFlow(c Config) []string {
	var issues []string
	if c.DataSet != "" {
		switch strings.ToLower(filepath.Ext(c.DataSet)) {
		case ".csv", ".json":
		default:
			issues = append(issues, fmt.Sprintf("data_set %q must be a .csv or .json file", c.DataSet))
		}
	}
	if _, err := extractor.ParseAll(c.Extract, c.ExtractOnError); err != nil {
		issues = append(issues, err.Error())
	}
	if _, err := threshold.ParseMultiple(c.Thresholds); err != nil {
		issues = append(issues, err.Error())
	}
	if err := c.Auth.Provider().Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	return issues
}

func validateArrivalModel(model ArrivalModel) []string {
	if model == "" {
		model = ArrivalModelUniform
	}
	switch model {
	case ArrivalModelUniform, ArrivalModelPoisson:
		return nil
	default:
		return []string{fmt.Sprintf("arrival model %q is not supported", model)}
	}
}

func validateOutput(c Config) []string {
	var issues []string
	switch c.Output {
	case "", OutputText, OutputJSON, OutputYAML:
	default:
		issues = append(issues, fmt.Sprintf("output %q is not supported (use text, json or yaml)", c.Output))
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("log_level %q is not supported", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		issues = append(issues, fmt.Sprintf("log_format %q is not supported (use console or json)", c.LogFormat))
	}
	return issues
}

func validateTracing(t TracingConfig) []string {
	var issues []string
	if t.SampleRate < 0 || t.SampleRate > 1 {
		issues = append(issues, fmt.Sprintf("tracing.sample_rate must be between 0.0 and 1.0, got %g", t.SampleRate))
	}
	switch strings.ToLower(t.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing.protocol %q is not supported (use grpc or http)", t.Protocol))
	}
	return issues
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
