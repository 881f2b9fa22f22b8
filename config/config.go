// Package config loads wasmtrace settings from a YAML file, WASMTRACE_
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"context"
	"io"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/host"
	"github.com/wippyai/wasm-calltrace/instrument"
	"github.com/wippyai/wasm-calltrace/sink"
	"github.com/wippyai/wasm-calltrace/tracer"
)

// EnvPrefix prefixes environment variables; trace.path is read from
// WASMTRACE_TRACE_PATH.
const EnvPrefix = "WASMTRACE"

// Trace formats.
const (
	FormatJSONL  = "jsonl"
	FormatSQLite = "sqlite"
)

type Config struct {
	Namespace      string   `mapstructure:"namespace" yaml:"namespace"`
	Scope          string   `mapstructure:"scope" yaml:"scope"`
	Only           []string `mapstructure:"only" yaml:"only,omitempty"`
	Skip           []string `mapstructure:"skip" yaml:"skip,omitempty"`
	VersionGlobals bool     `mapstructure:"version_globals" yaml:"version_globals"`
	RedirectCalls  bool     `mapstructure:"redirect_calls" yaml:"redirect_calls"`
	WASI           bool     `mapstructure:"wasi" yaml:"wasi"`

	Trace TraceConfig `mapstructure:"trace" yaml:"trace"`
	Log   LogConfig   `mapstructure:"log" yaml:"log"`
}

type TraceConfig struct {
	// Path is the trace destination; "-" or empty writes JSONL to stdout.
	Path        string `mapstructure:"path" yaml:"path"`
	Format      string `mapstructure:"format" yaml:"format"`
	Emit        string `mapstructure:"emit" yaml:"emit"`
	OnSinkError string `mapstructure:"on_sink_error" yaml:"on_sink_error"`
	Strict      bool   `mapstructure:"strict" yaml:"strict"`
	FSync       bool   `mapstructure:"fsync" yaml:"fsync"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Namespace:     instrument.DefaultNamespace,
		Scope:         instrument.ScopeExported.String(),
		RedirectCalls: true,
		Trace: TraceConfig{
			Path:        "-",
			Format:      FormatJSONL,
			Emit:        tracer.EmitEnterAndExit.String(),
			OnSinkError: tracer.SinkErrorFail.String(),
			Strict:      true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"namespace":       "namespace",
	"scope":           "scope",
	"only":            "only",
	"skip":            "skip",
	"version-globals": "version_globals",
	"redirect-calls":  "redirect_calls",
	"wasi":            "wasi",
	"trace":           "trace.path",
	"trace-format":    "trace.format",
	"emit":            "trace.emit",
	"on-sink-error":   "trace.on_sink_error",
	"strict":          "trace.strict",
	"fsync":           "trace.fsync",
	"log-level":       "log.level",
}

// Load reads the configuration. path may be empty. Flags in flags that
// appear in FlagKeys override file and environment values when set.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Path(path).
				Detail("read config file").
				Cause(err).
				Build()
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "bind flag "+name)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("namespace", d.Namespace)
	v.SetDefault("scope", d.Scope)
	v.SetDefault("only", d.Only)
	v.SetDefault("skip", d.Skip)
	v.SetDefault("version_globals", d.VersionGlobals)
	v.SetDefault("redirect_calls", d.RedirectCalls)
	v.SetDefault("wasi", d.WASI)
	v.SetDefault("trace.path", d.Trace.Path)
	v.SetDefault("trace.format", d.Trace.Format)
	v.SetDefault("trace.emit", d.Trace.Emit)
	v.SetDefault("trace.on_sink_error", d.Trace.OnSinkError)
	v.SetDefault("trace.strict", d.Trace.Strict)
	v.SetDefault("trace.fsync", d.Trace.FSync)
	v.SetDefault("log.level", d.Log.Level)
}

// Validate checks every enumerated field.
func (c Config) Validate() error {
	if _, err := instrument.ParseScope(c.Scope); err != nil {
		return err
	}
	if _, err := tracer.ParseEmitPolicy(c.Trace.Emit); err != nil {
		return err
	}
	if _, err := tracer.ParseSinkErrorPolicy(c.Trace.OnSinkError); err != nil {
		return err
	}
	switch c.Trace.Format {
	case "", FormatJSONL, FormatSQLite:
	default:
		return errors.InvalidInput(errors.PhaseConfig, "unknown trace format "+c.Trace.Format)
	}
	if c.Trace.Format == FormatSQLite && (c.Trace.Path == "" || c.Trace.Path == "-") {
		return errors.InvalidInput(errors.PhaseConfig, "sqlite traces need a file path")
	}
	if _, err := c.ZapLevel(); err != nil {
		return err
	}
	return nil
}

// ZapLevel parses log.level.
func (c Config) ZapLevel() (zapcore.Level, error) {
	if c.Log.Level == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return lvl, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log level")
	}
	return lvl, nil
}

// InstrumentOptions converts the rewriting settings.
func (c Config) InstrumentOptions(log *zap.Logger) (instrument.Options, error) {
	scope, err := instrument.ParseScope(c.Scope)
	if err != nil {
		return instrument.Options{}, err
	}
	opts := instrument.DefaultOptions()
	opts.Logger = log
	opts.Namespace = c.Namespace
	opts.Scope = scope
	opts.VersionGlobals = c.VersionGlobals
	opts.RedirectCalls = c.RedirectCalls
	opts.Only = instrument.ParsePatterns(c.Only)
	opts.Skip = instrument.ParsePatterns(c.Skip)
	return opts, nil
}

// TracerOptions converts the hook runtime settings.
func (c Config) TracerOptions(log *zap.Logger, metrics *tracer.Metrics) (tracer.Options, error) {
	emit, err := tracer.ParseEmitPolicy(c.Trace.Emit)
	if err != nil {
		return tracer.Options{}, err
	}
	onErr, err := tracer.ParseSinkErrorPolicy(c.Trace.OnSinkError)
	if err != nil {
		return tracer.Options{}, err
	}
	opts := tracer.DefaultOptions()
	opts.Logger = log
	opts.Metrics = metrics
	opts.Emit = emit
	opts.OnSinkError = onErr
	opts.LenientExit = !c.Trace.Strict
	return opts, nil
}

// HostOptions converts the runtime settings.
func (c Config) HostOptions(log *zap.Logger, stdout, stderr io.Writer) host.Options {
	opts := host.DefaultOptions()
	opts.Logger = log
	opts.Namespace = c.Namespace
	opts.WASI = c.WASI
	opts.Stdout = stdout
	opts.Stderr = stderr
	return opts
}

// OpenSink opens the configured trace destination. The caller closes the
// result with sink.Close.
func (c Config) OpenSink(ctx context.Context, stdout io.Writer) (sink.Sink, error) {
	if c.Trace.Format == FormatSQLite {
		return sink.OpenSQLite(ctx, c.Trace.Path)
	}
	if c.Trace.Path == "" || c.Trace.Path == "-" {
		return sink.NewJSONL(stdout), nil
	}
	return sink.OpenFile(c.Trace.Path, sink.FileOptions{Sync: c.Trace.FSync})
}

// YAML renders the configuration as a config file.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "encode config")
	}
	return out, nil
}
