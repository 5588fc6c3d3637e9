package repl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/drpcorg/dstate"
)

var HelpCommit = errors.New("commit {\"any\":[\"json\",\"value\"]}")
var HelpRollback = errors.New("rollback 3")
var HelpPrune = errors.New("prune 2")
var HelpAt = errors.New("at 1")
var ErrNoMetrics = errors.New("no metrics registry")

func (repl *REPL) CommandCommit(ctx context.Context, arg string) error {
	if arg == "" {
		return HelpCommit
	}
	state, err := ParseJSON([]byte(arg))
	if err != nil {
		return err
	}
	idx, err := repl.Store.Commit(ctx, state)
	if err == nil {
		_, _ = fmt.Fprintf(repl.Out, "committed %d\n", idx)
	}
	return err
}

func (repl *REPL) CommandRollback(ctx context.Context, arg string) error {
	idx, err := parseIndex(arg, HelpRollback)
	if err != nil {
		return err
	}
	state, err := repl.Store.Rollback(ctx, idx)
	if err != nil {
		return err
	}
	return repl.print(state)
}

func (repl *REPL) CommandPrune(ctx context.Context, arg string) error {
	idx, err := parseIndex(arg, HelpPrune)
	if err != nil {
		return err
	}
	err = repl.Store.Prune(ctx, idx)
	if err == nil {
		_, _ = fmt.Fprintf(repl.Out, "pruned up to %d\n", idx)
	}
	return err
}

func (repl *REPL) CommandState(ctx context.Context, _ string) error {
	state, err := repl.Store.State(ctx)
	if err != nil {
		return err
	}
	return repl.print(state)
}

func (repl *REPL) CommandIndex(ctx context.Context, _ string) error {
	idx, err := repl.Store.Index(ctx)
	if err != nil {
		return err
	}
	if idx == dstate.NoIndex {
		_, _ = fmt.Fprintln(repl.Out, "none")
		return nil
	}
	_, _ = fmt.Fprintf(repl.Out, "%d\n", idx)
	return nil
}

func (repl *REPL) CommandAt(ctx context.Context, arg string) error {
	idx, err := parseIndex(arg, HelpAt)
	if err != nil {
		return err
	}
	state, err := repl.Store.StateAt(ctx, idx)
	if err != nil {
		return err
	}
	return repl.print(state)
}

func (repl *REPL) CommandOldest(ctx context.Context, _ string) error {
	idx, err := repl.Store.Oldest(ctx)
	if err != nil {
		return err
	}
	if idx == dstate.NoIndex {
		_, _ = fmt.Fprintln(repl.Out, "none")
		return nil
	}
	_, _ = fmt.Fprintf(repl.Out, "%d\n", idx)
	return nil
}

func (repl *REPL) CommandMetrics(_ context.Context, _ string) error {
	if repl.Metrics == nil {
		return ErrNoMetrics
	}
	families, err := repl.Metrics.Gather()
	if err != nil {
		return err
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf("%s=%q ", lp.GetName(), lp.GetValue())
			}
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				value = float64(m.GetHistogram().GetSampleCount())
			}
			lines = append(lines, fmt.Sprintf("%s {%s} %g", mf.GetName(), labels, value))
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		_, _ = fmt.Fprintln(repl.Out, line)
	}
	return nil
}

func (repl *REPL) CommandHelp(_ context.Context, _ string) error {
	for _, h := range []error{HelpCommit, HelpRollback, HelpPrune, HelpAt} {
		_, _ = fmt.Fprintln(repl.Out, h.Error())
	}
	_, _ = fmt.Fprintln(repl.Out, "state | index | oldest | metrics | exit")
	return nil
}

func (repl *REPL) print(state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(repl.Out, "%s\n", data)
	return nil
}

func parseIndex(arg string, help error) (int64, error) {
	if arg == "" {
		return 0, help
	}
	idx, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", help, err.Error())
	}
	return idx, nil
}

// ParseJSON decodes a JSON document keeping integers as int64.
func ParseJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return nil, err
	}
	return numbers(parsed), nil
}

func numbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = numbers(val)
		}
	case []any:
		for i, val := range t {
			t[i] = numbers(val)
		}
	}
	return v
}
