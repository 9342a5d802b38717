package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/torosent/streamfire/internal/connection"
)

// flagKeys maps each CLI flag to its configuration key.
var flagKeys = map[string]string{
	"target":             "target",
	"transport":          "transport",
	"mode":               "mode",
	"route":              "route",
	"data":               "data",
	"data-file":          "data_file",
	"metadata":           "metadata",
	"channel-message":    "channel_messages",
	"data-set":           "data_set",
	"data-set-recycle":   "data_set_recycle",
	"extract":            "extract",
	"extract-on-error":   "extract_on_error",
	"threshold":          "thresholds",
	"auth-token":         "auth.token",
	"auth-token-url":     "auth.token_url",
	"auth-client-id":     "auth.client_id",
	"auth-client-secret": "auth.client_secret",
	"auth-username":      "auth.username",
	"auth-password":      "auth.password",
	"auth-scopes":        "auth.scopes",
	"threads":            "threads",
	"iterations":         "iterations",
	"duration":           "duration",
	"rate":               "rate",
	"arrival-model":      "arrival_model",
	"max-queued":         "max_queued",
	"response-timeout":   "response_timeout",
	"ramp-down":          "ramp_down",
	"handshake-timeout":  "handshake_timeout",
	"pool-size":          "pool_size",
	"grpc-tls":           "grpc.tls",
	"grpc-insecure":      "grpc.insecure",
	"log-level":          "log_level",
	"log-format":         "log_format",
	"output":             "output",
	"progress":           "progress",
	"tracing-endpoint":   "tracing.endpoint",
	"tracing-protocol":   "tracing.protocol",
	"tracing-service":    "tracing.service_name",
	"tracing-sample":     "tracing.sample_rate",
	"tracing-insecure":   "tracing.insecure",
	"tracing-propagate":  "tracing.propagate",
}

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "streamfire",
		Short:         "Load test request/response and streaming endpoints",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Request flags
	flags.String("target", "", "Target address (ws://host/path for websocket, host:port for grpc)")
	flags.String("transport", string(TransportWebSocket), "Transport: websocket or grpc")
	flags.StringP("mode", "m", string(connection.DefaultMode), "Interaction mode: REQUEST_FNF, REQUEST_RESPONSE, REQUEST_STREAM, REQUEST_CHANNEL or METADATA_PUSH")
	flags.String("route", "", "Route sent with every request (gRPC full method or websocket route header)")
	flags.String("data", "", "Inline request payload; ${var} placeholders are expanded per thread")
	flags.String("data-file", "", "Path to a file holding the request payload")
	flags.StringToString("metadata", nil, "Request metadata in key=value form")
	flags.StringSlice("channel-message", nil, "Message sent on the request stream of REQUEST_CHANNEL (repeatable)")

	// Data flow flags
	flags.String("data-set", "", "CSV or JSON file whose records become variables, one record per sample")
	flags.Bool("data-set-recycle", true, "Start over at the first record once the data set is exhausted")
	flags.StringSlice("extract", nil, "Store a response value for later iterations: name=json.path or name=~regex (repeatable)")
	flags.Bool("extract-on-error", false, "Also extract from failed samples")
	flags.StringSlice("threshold", nil, "Pass/fail criterion such as 'sample_duration:p95 < 500' (repeatable)")

	// Auth flags
	flags.String("auth-token", "", "Static bearer token added to request metadata")
	flags.String("auth-token-url", "", "OAuth2 token endpoint")
	flags.String("auth-client-id", "", "OAuth2 client ID")
	flags.String("auth-client-secret", "", "OAuth2 client secret")
	flags.String("auth-username", "", "Resource owner username (switches to the password grant)")
	flags.String("auth-password", "", "Resource owner password")
	flags.StringSlice("auth-scopes", nil, "OAuth2 scopes")

	// Load control flags
	flags.IntP("threads", "c", 1, "Number of logical threads")
	flags.IntP("iterations", "n", 0, "Iterations per thread (0 means unlimited)")
	flags.DurationP("duration", "d", 0, "How long to issue samples (e.g. 30s, 1m)")
	flags.IntP("rate", "r", 0, "Samples per second across all threads (0 means unlimited)")
	flags.String("arrival-model", string(ArrivalModelUniform), "Arrival model to use when pacing samples (uniform or poisson)")
	flags.Int("max-queued", 2, "Unsettled iterations a thread may queue before it waits")

	// Timing flags
	flags.Duration("response-timeout", 0, "Per-sample deadline after which the response stream is cancelled (0 means none)")
	flags.Duration("ramp-down", 0, "Max time to wait for outstanding samples after issuing stops")
	flags.Duration("handshake-timeout", 10*time.Second, "Connection handshake timeout")
	flags.Int("pool-size", 10, "Idle websocket connections kept for reuse")

	// gRPC flags
	flags.Bool("grpc-tls", false, "Use TLS for gRPC")
	flags.Bool("grpc-insecure", false, "Skip TLS certificate verification for gRPC")

	// Output flags
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "console", "Log format: console or json")
	flags.StringP("output", "o", string(OutputText), "Report format: text, json or yaml")
	flags.Bool("progress", true, "Print a live progress line while running")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")

	// Tracing flags
	flags.String("tracing-endpoint", "", "OTLP collector endpoint (enables tracing)")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: grpc or http")
	flags.String("tracing-service", "streamfire", "Service name reported to the collector")
	flags.Float64("tracing-sample", 1.0, "Trace sampling ratio between 0.0 and 1.0")
	flags.Bool("tracing-insecure", false, "Disable TLS towards the collector")
	flags.Bool("tracing-propagate", true, "Inject W3C trace context into outgoing requests")
}

// bindFlags binds every flag to its configuration key.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := fs.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag %q is not registered", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}
