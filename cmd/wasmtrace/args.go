package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/wasm"
)

// exportedFunctions maps every function export name to its descriptor.
func exportedFunctions(m *wasm.Module) (map[string]wasm.FunctionDescriptor, error) {
	fns, err := m.Functions()
	if err != nil {
		return nil, err
	}
	out := make(map[string]wasm.FunctionDescriptor)
	for _, fn := range fns {
		for _, name := range fn.ExportNames {
			out[name] = fn
		}
	}
	return out, nil
}

// parseArgs converts textual arguments to wazero stack values.
func parseArgs(values []string, types []wasm.ValType) ([]uint64, error) {
	if len(values) != len(types) {
		return nil, errors.InvalidInput(errors.PhaseConfig,
			fmt.Sprintf("expected %d arguments, got %d", len(types), len(values)))
	}
	out := make([]uint64, len(values))
	for i, v := range values {
		p, err := parseValue(strings.TrimSpace(v), types[i])
		if err != nil {
			return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Path(fmt.Sprintf("arg%d", i)).
				Detail("parse %s", types[i]).
				Cause(err).
				Build()
		}
		out[i] = p
	}
	return out, nil
}

func parseValue(s string, t wasm.ValType) (uint64, error) {
	switch t {
	case wasm.ValI32:
		if v, err := strconv.ParseInt(s, 0, 32); err == nil {
			return api.EncodeI32(int32(v)), nil
		}
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeU32(uint32(v)), nil
	case wasm.ValI64:
		if v, err := strconv.ParseInt(s, 0, 64); err == nil {
			return api.EncodeI64(v), nil
		}
		return strconv.ParseUint(s, 0, 64)
	case wasm.ValF32:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeF32(float32(v)), nil
	case wasm.ValF64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		return api.EncodeF64(v), nil
	}
	return 0, fmt.Errorf("%s arguments are not supported", t)
}

// formatResults renders results as space separated values.
func formatResults(values []uint64, types []wasm.ValType) string {
	parts := make([]string, len(values))
	for i, v := range values {
		t := wasm.ValI64
		if i < len(types) {
			t = types[i]
		}
		parts[i] = formatValue(v, t)
	}
	return strings.Join(parts, " ")
}

func formatValue(v uint64, t wasm.ValType) string {
	switch t {
	case wasm.ValI32:
		return strconv.FormatInt(int64(api.DecodeI32(v)), 10)
	case wasm.ValI64:
		return strconv.FormatInt(int64(v), 10)
	case wasm.ValF32:
		return strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
	case wasm.ValF64:
		return strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64)
	}
	return fmt.Sprintf("0x%x", v)
}
