// Package repl is an interactive shell over a dstate store.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/drpcorg/dstate"
	"github.com/ergochat/readline"
	"github.com/prometheus/client_golang/prometheus"
)

// REPL per se.
type REPL struct {
	Store *dstate.Store
	// Metrics is gathered by the "metrics" command, if set.
	Metrics prometheus.Gatherer
	Out     io.Writer

	rl *readline.Instance
}

var ErrUnknownCommand = errors.New("command unknown")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("commit"),
	readline.PcItem("rollback"),
	readline.PcItem("prune"),

	readline.PcItem("state"),
	readline.PcItem("index"),
	readline.PcItem("at"),
	readline.PcItem("oldest"),
	readline.PcItem("metrics"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open(historyFile string) (err error) {
	repl.rl, err = readline.NewFromConfig(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// REPL reads and executes one line.
func (repl *REPL) REPL(ctx context.Context) (err error) {
	var line string
	line, err = repl.rl.ReadLine()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}
	return repl.Execute(ctx, line)
}

// Run loops until exit, EOF or ^C on an empty line.
func (repl *REPL) Run(ctx context.Context) error {
	for {
		err := repl.REPL(ctx)
		if err == io.EOF || err == readline.ErrInterrupt {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		}
	}
}

// Execute runs a single command line.
func (repl *REPL) Execute(ctx context.Context, line string) (err error) {
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	if repl.Out == nil {
		repl.Out = os.Stdout
	}
	switch cmd {
	case "commit":
		err = repl.CommandCommit(ctx, arg)
	case "rollback":
		err = repl.CommandRollback(ctx, arg)
	case "prune":
		err = repl.CommandPrune(ctx, arg)
	case "state":
		err = repl.CommandState(ctx, arg)
	case "index":
		err = repl.CommandIndex(ctx, arg)
	case "at":
		err = repl.CommandAt(ctx, arg)
	case "oldest":
		err = repl.CommandOldest(ctx, arg)
	case "metrics":
		err = repl.CommandMetrics(ctx, arg)
	case "help":
		err = repl.CommandHelp(ctx, arg)
	case "exit", "quit":
		err = io.EOF
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	return
}
