// Command wasmtrace instruments WebAssembly modules with call hooks, runs
// them on wazero and inspects the resulting traces.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-calltrace/config"
	"github.com/wippyai/wasm-calltrace/host"
	"github.com/wippyai/wasm-calltrace/instrument"
	"github.com/wippyai/wasm-calltrace/tracer"
)

// cli is the state shared by every subcommand.
type cli struct {
	logger     *zap.Logger
	configPath string
	cfg        config.Config
	verbose    bool
}

func newRootCmd() *cobra.Command {
	c := &cli{logger: zap.NewNop()}
	root := &cobra.Command{
		Use:   "wasmtrace",
		Short: "Trace WebAssembly function calls",
		Long: `wasmtrace rewrites a WebAssembly module so that every exported function
reports entry and exit to the host through instrument_enter and
instrument_exit, then runs the module and records one JSON line per call.

Settings come from --config (YAML), WASMTRACE_* environment variables and
flags, in increasing precedence.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = c.logger.Sync()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "path to a YAML config file")
	pf.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("namespace", instrument.DefaultNamespace, "import module of the hooks")

	root.AddCommand(newInstrumentCmd(c), newRunCmd(c), newInspectCmd(c))
	return root
}

// setup loads the configuration and builds the logger.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	c.cfg = cfg

	level, err := cfg.ZapLevel()
	if err != nil {
		return err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if c.verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	c.logger = logger
	instrument.SetLogger(logger.Named("instrument"))
	tracer.SetLogger(logger.Named("tracer"))
	host.SetLogger(logger.Named("host"))
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
