package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/instrument"
)

func addInstrumentFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("scope", instrument.ScopeExported.String(), "functions to wrap (exported, named)")
	f.StringSlice("only", nil, "wrap only functions matching these names (prefix*)")
	f.StringSlice("skip", nil, "never wrap functions matching these names (prefix*)")
	f.Bool("version-globals", false, "export the schema version globals")
	f.Bool("redirect-calls", true, "route direct calls to wrapped functions through their shims")
}

func newInstrumentCmd(c *cli) *cobra.Command {
	var (
		output     string
		dumpConfig bool
	)
	cmd := &cobra.Command{
		Use:   "instrument <module.wasm> -o <out.wasm>",
		Short: "Inject call hooks into a module",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dumpConfig {
				out, err := c.cfg.YAML()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			if len(args) == 0 {
				return errors.InvalidInput(errors.PhaseConfig, "missing input module")
			}
			if output == "" {
				return errors.InvalidInput(errors.PhaseConfig, "--output is required")
			}
			return c.instrumentFile(args[0], output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "path of the instrumented module")
	cmd.Flags().BoolVar(&dumpConfig, "dump-config", false, "print the effective configuration and exit")
	addInstrumentFlags(cmd)
	return cmd
}

func (c *cli) instrumentFile(in, out string) error {
	src, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	opts, err := c.cfg.InstrumentOptions(c.logger.Named("instrument"))
	if err != nil {
		return err
	}
	m, err := instrument.Decode(src)
	if err != nil {
		return err
	}
	res, err := instrument.Module(m, opts)
	if err != nil {
		return err
	}
	if err := writeAtomic(out, res.Module.Encode()); err != nil {
		return err
	}
	c.logger.Info("instrumented module",
		zap.String("input", in),
		zap.String("output", out),
		zap.Int("wrapped", len(res.Wrappers)))
	return nil
}

// writeAtomic replaces path with data so that a failure leaves no partial
// output behind.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("write output: %w", err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}
