package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/wippyai/wasm-calltrace/host"
	"github.com/wippyai/wasm-calltrace/sink"
	"github.com/wippyai/wasm-calltrace/wasm"
)

type interactiveModel struct {
	err      error
	ctx      context.Context
	sess     *session
	instance *host.Instance
	memory   *sink.Memory
	filename string
	result   string
	records  []sink.Record
	funcs    []funcInfo
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
}

type funcInfo struct {
	name string
	fn   wasm.FunctionDescriptor
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

func newInteractiveModel(ctx context.Context, filename string, sess *session, memory *sink.Memory, funcs map[string]wasm.FunctionDescriptor) *interactiveModel {
	m := &interactiveModel{
		ctx:      ctx,
		sess:     sess,
		memory:   memory,
		filename: filename,
		state:    stateSelectFunc,
	}
	for name, fn := range funcs {
		m.funcs = append(m.funcs, funcInfo{name: name, fn: fn})
	}
	sort.Slice(m.funcs, func(i, j int) bool { return m.funcs[i].name < m.funcs[j].name })
	return m
}

type callResultMsg struct {
	err     error
	result  string
	records []sink.Record
}

func (m *interactiveModel) Init() tea.Cmd {
	return nil
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state != stateInputArgs || msg.String() == "ctrl+c" {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					return m, nil
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callFunction
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.reset()
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.reset()
			}
		}

	case callResultMsg:
		m.result = msg.result
		m.records = msg.records
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) reset() {
	m.state = stateSelectFunc
	m.result = ""
	m.records = nil
	m.err = nil
}

func (m *interactiveModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, len(f.fn.Params))
	for i, p := range f.fn.Params {
		ti := textinput.New()
		ti.Placeholder = p.String()
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

// callFunction runs the selected export on a shared instance. A terminated
// execution is replaced by a fresh instance before the call.
func (m *interactiveModel) callFunction() tea.Msg {
	if m.instance != nil && m.instance.Execution().Terminated() {
		_ = m.instance.Close(m.ctx)
		m.instance = nil
	}
	if m.instance == nil {
		inst, err := m.sess.module.Instantiate(m.ctx)
		if err != nil {
			return callResultMsg{err: err}
		}
		m.instance = inst
	}

	f := m.funcs[m.selected]
	values := make([]string, len(m.inputs))
	for i, input := range m.inputs {
		values[i] = input.Value()
	}
	params, err := parseArgs(values, f.fn.Params)
	if err != nil {
		return callResultMsg{err: err}
	}

	m.memory.Reset()
	out, err := m.instance.Call(m.ctx, f.name, params...)
	records := m.memory.Records()
	if err != nil {
		return callResultMsg{err: err, records: records}
	}
	return callResultMsg{result: formatResults(out, f.fn.Results), records: records}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Call Tracer"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	if len(m.funcs) == 0 {
		b.WriteString("No exported functions.\n\n")
		b.WriteString(helpStyle.Render("q quit"))
		return b.String()
	}

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			cursor := "  "
			if i == m.selected {
				cursor = "> "
				b.WriteString(selectedStyle.Render(cursor + formatFunc(f)))
			} else {
				b.WriteString(cursor + formatFunc(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(f.fn.Params[i].String()))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		writeRecords(&b, m.records)
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

// writeRecords renders trace records indented by call depth.
func writeRecords(w io.Writer, records []sink.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, helpStyle.Render("no trace records"))
		return
	}
	for _, r := range records {
		indent := strings.Repeat("  ", r.Depth)
		switch r.Phase {
		case sink.PhaseEnter:
			fmt.Fprintf(w, "%s%s %s\n", indent, typeStyle.Render("→"), funcStyle.Render(r.Name))
		default:
			fmt.Fprintf(w, "%s%s %s %s\n", indent, typeStyle.Render("←"), funcStyle.Render(r.Name), r.Duration())
		}
	}
}

func formatFunc(f funcInfo) string {
	return funcStyle.Render(f.name) + typeStyle.Render(wasm.SignatureText(f.fn.Signature()))
}

func (c *cli) runInteractive(ctx context.Context, filename string, p *prepared) (err error) {
	memory := &sink.Memory{}
	var traceOut io.Writer
	if c.cfg.Trace.Path != "" && c.cfg.Trace.Path != "-" {
		traceOut = io.Discard
	}
	sess, err := c.openSession(ctx, p, traceOut, io.Discard, memory)
	if err != nil {
		return err
	}
	model := newInteractiveModel(ctx, filename, sess, memory, p.funcs)
	defer func() {
		if model.instance != nil {
			_ = model.instance.Close(ctx)
		}
		if cerr := sess.Close(ctx); err == nil {
			err = cerr
		}
	}()

	prog := tea.NewProgram(model, tea.WithAltScreen())
	_, err = prog.Run()
	return err
}
