package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/dstate"
	"github.com/drpcorg/dstate/repl"
	"github.com/drpcorg/dstate/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDir      = "dir"
	flagName     = "name"
	flagLogLevel = "log-level"
	flagHistory  = "history"
)

// session is an open database with one named store in it.
type session struct {
	db       *pebble.DB
	registry *dstate.Registry
	store    *dstate.Store
	metrics  *prometheus.Registry
}

func open(v *viper.Viper) (*session, error) {
	logger := utils.NewDefaultLogger(utils.ParseLevel(v.GetString(flagLogLevel)))

	db, err := pebble.Open(v.GetString(flagDir), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", v.GetString(flagDir))
	}
	s := &session{db: db, metrics: prometheus.NewRegistry()}
	s.metrics.MustRegister(dstate.Collectors()...)
	s.metrics.MustRegister(dstate.NewPebbleCollector(db))

	s.registry, err = dstate.NewRegistry(db, dstate.Options{Logger: logger})
	if err == nil {
		s.store, err = s.registry.Open(v.GetString(flagName))
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) Close() error {
	if s.registry != nil {
		_ = s.registry.Close()
	}
	return s.db.Close()
}

func printJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func parseIndex(arg string) (int64, error) {
	idx, err := strconv.ParseInt(arg, 10, 64)
	return idx, errors.Wrapf(err, "bad index %q", arg)
}

// withSession wraps a command body with opening and closing the store.
func withSession(v *viper.Viper, fn func(cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := open(v)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, s, args)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("DSTATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetConfigName("dstate")
	v.AddConfigPath(".")

	root := &cobra.Command{
		Use:           "dstate",
		Short:         "Versioned state kept in a pebble database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return err
				}
			}
			return v.BindPFlags(cmd.Flags())
		},
	}
	flags := root.PersistentFlags()
	flags.String(flagDir, "dstate.db", "pebble database directory")
	flags.String(flagName, "main", "store name")
	flags.String(flagLogLevel, "warn", "log level: debug, info, warn or error")

	replCmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive shell",
		Args:  cobra.NoArgs,
		RunE: withSession(v, func(cmd *cobra.Command, s *session, _ []string) error {
			r := repl.REPL{Store: s.store, Metrics: s.metrics, Out: cmd.OutOrStdout()}
			if err := r.Open(v.GetString(flagHistory)); err != nil {
				return err
			}
			defer r.Close()
			return r.Run(cmd.Context())
		}),
	}
	replCmd.Flags().String(flagHistory, ".dstate_cmd_log.txt", "command history file")

	commitCmd := &cobra.Command{
		Use:   "commit JSON",
		Short: "Commit a new version",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(v, func(cmd *cobra.Command, s *session, args []string) error {
			ctx := cmd.Context()
			state, err := repl.ParseJSON([]byte(args[0]))
			if err != nil {
				return err
			}
			idx, err := s.store.Commit(ctx, state)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), idx)
		}),
	}

	rollbackCmd := &cobra.Command{
		Use:   "rollback INDEX",
		Short: "Roll back to an earlier version",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(v, func(cmd *cobra.Command, s *session, args []string) error {
			ctx := cmd.Context()
			idx, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			state, err := s.store.Rollback(ctx, idx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		}),
	}

	pruneCmd := &cobra.Command{
		Use:   "prune INDEX",
		Short: "Forget history up to and including a version",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(v, func(cmd *cobra.Command, s *session, args []string) error {
			ctx := cmd.Context()
			idx, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return s.store.Prune(ctx, idx)
		}),
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current version and state",
		Args:  cobra.NoArgs,
		RunE: withSession(v, func(cmd *cobra.Command, s *session, _ []string) error {
			ctx := cmd.Context()
			idx, err := s.store.Index(ctx)
			if err != nil {
				return err
			}
			oldest, err := s.store.Oldest(ctx)
			if err != nil {
				return err
			}
			state, err := s.store.State(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"index":  idx,
				"oldest": oldest,
				"state":  state,
			})
		}),
	}

	root.AddCommand(replCmd, commitCmd, rollbackCmd, pruneCmd, showCmd)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
}
