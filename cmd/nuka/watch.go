package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nidhogg/nuka-crew/internal/team"
	"github.com/spf13/cobra"
)

// teamFeed is the read side of the Redis mirror.
type teamFeed interface {
	Range(ctx context.Context, teamID string) ([]team.Envelope, error)
	Tail(ctx context.Context, teamID string) <-chan team.Envelope
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "watch [team-id]",
		Short: "Follow a team's events from the Redis mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Database.Redis.URL == "" {
				return errors.New("database.redis.url is not set")
			}
			logger, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			m, err := team.NewRedisMirror(ctx, cfg.Database.Redis.URL, logger)
			if err != nil {
				return err
			}
			defer m.Close()
			return watchTeam(ctx, m, args[0], history, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&history, "history", true, "print events recorded before the watch started")
	return cmd
}

// watchTeam prints one line per event until ctx ends. Events seen in the
// backlog are not printed again when the tail catches up.
func watchTeam(ctx context.Context, feed teamFeed, teamID string, history bool, out io.Writer) error {
	tail := feed.Tail(ctx, teamID)
	last := 0
	if history {
		envs, err := feed.Range(ctx, teamID)
		if err != nil {
			return err
		}
		for _, env := range envs {
			printEnvelope(out, env)
			last = env.Seq
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-tail:
			if !ok {
				return nil
			}
			if env.Seq <= last {
				continue
			}
			printEnvelope(out, env)
			last = env.Seq
		}
	}
}

func printEnvelope(out io.Writer, env team.Envelope) {
	fmt.Fprintf(out, "%6d %-22s %s\n", env.Seq, env.Type, env.Data)
}
