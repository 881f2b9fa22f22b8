package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/instrument"
	"github.com/wippyai/wasm-calltrace/sink"
)

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

func newInspectCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <module.wasm|trace.jsonl>",
		Short: "Describe a module or summarize a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			st := newStyler(out)
			if bytes.HasPrefix(data, wasmMagic) {
				return inspectModule(out, st, data)
			}
			return inspectTrace(out, st, data)
		},
	}
}

func inspectModule(w io.Writer, st styler, data []byte) error {
	m, err := instrument.Decode(data)
	if err != nil {
		return err
	}
	fns, err := m.Functions()
	if err != nil {
		return errors.ParseFailed("name section", err)
	}

	det := instrument.Detect(m)
	fmt.Fprintln(w, st.render(titleStyle, "Module"))
	if det.Instrumented {
		fmt.Fprintf(w, "instrumented: yes (namespace %q, enter %d, exit %d)\n", det.Namespace, det.EnterIndex, det.ExitIndex)
	} else {
		fmt.Fprintln(w, "instrumented: no")
	}
	if det.Version != nil {
		fmt.Fprintf(w, "schema: %s\n", det.Version)
	}
	fmt.Fprintf(w, "functions: %d (%d imported)\n\n", len(fns), m.NumImportedFuncs())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFUNCTION\tKIND\tEXPORTS")
	for _, fn := range fns {
		kind := "defined"
		if fn.Imported {
			kind = "imported"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", fn.ID, fn, kind, strings.Join(fn.ExportNames, ","))
	}
	return tw.Flush()
}

type callSummary struct {
	name  string
	index uint32
	calls int
	total time.Duration
	max   time.Duration
}

func inspectTrace(w io.Writer, st styler, data []byte) error {
	records, err := sink.ReadJSONL(bytes.NewReader(data))
	if err != nil {
		return err
	}

	byIndex := make(map[uint32]*callSummary)
	enters := 0
	for _, r := range records {
		if r.Phase == sink.PhaseEnter {
			enters++
			continue
		}
		s, ok := byIndex[r.Index]
		if !ok {
			s = &callSummary{name: r.Name, index: r.Index}
			byIndex[r.Index] = s
		}
		d := r.Duration()
		s.calls++
		s.total += d
		if d > s.max {
			s.max = d
		}
	}
	summaries := make([]*callSummary, 0, len(byIndex))
	for _, s := range byIndex {
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].total != summaries[j].total {
			return summaries[i].total > summaries[j].total
		}
		return summaries[i].index < summaries[j].index
	})

	fmt.Fprintln(w, st.render(titleStyle, "Trace"))
	fmt.Fprintf(w, "records: %d (%d enter, %d exit)\n\n", len(records), enters, len(records)-enters)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME\tCALLS\tTOTAL\tMEAN\tMAX")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n",
			s.index, s.name, s.calls, s.total, s.total/time.Duration(s.calls), s.max)
	}
	return tw.Flush()
}
