package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"github.com/nidhogg/nuka-crew/internal/team"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runFlags struct {
	agent    string
	session  string
	yes      bool
	teamWait time.Duration
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one prompt locally, asking on the terminal before gated tools",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return runOnce(ctx, a, f, strings.Join(args, " "), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&f.agent, "agent", "a", "", "agent ID or name (default: first configured agent)")
	cmd.Flags().StringVarP(&f.session, "session", "s", "", "session ID whose history is carried over")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "approve every gated tool call")
	cmd.Flags().DurationVar(&f.teamWait, "team-wait", 5*time.Minute, "how long to wait for teammates after the lead finishes")
	return cmd
}

func runOnce(ctx context.Context, a *app, f *runFlags, prompt string, in io.Reader, out, log io.Writer) error {
	ref := f.agent
	if ref == "" && len(a.cfg.Agents) > 0 {
		ref = a.cfg.Agents[0].Name
	}
	ag, ok := findAgent(a.engine, ref)
	if !ok {
		return fmt.Errorf("%w: %q", agent.ErrAgentNotFound, ref)
	}

	approve := agent.ApprovalFunc(agent.AutoApprove)
	if !f.yes {
		approve = newPromptApprover(in, log).Approve
	}
	opts := []agent.RunOption{agent.WithApproval(approve)}
	if f.session != "" {
		opts = append(opts, agent.WithSession(f.session))
		if a.store != nil {
			msgs, err := a.store.History(ctx, f.session, a.cfg.Session.HistoryLimit)
			if err != nil {
				return fmt.Errorf("load session: %w", err)
			}
			if a.compactor != nil {
				msgs = a.compactor.Fit(ctx, msgs)
			}
			opts = append(opts, agent.WithHistory(msgs))
		}
	}

	run, err := a.engine.StartRun(ctx, ag.ID, prompt, opts...)
	if err != nil {
		return err
	}
	p := &printer{out: out, log: log}
	follow(ctx, run, p)
	s := run.Summary()

	if f.session != "" && a.store != nil {
		msgs := []provider.Message{provider.NewTextMessage(provider.RoleUser, prompt)}
		if s.Output != "" {
			msgs = append(msgs, provider.NewTextMessage(provider.RoleAssistant, s.Output))
		}
		if err := a.store.AppendMessages(context.Background(), f.session, msgs...); err != nil {
			a.logger.Warn("save session failed", zap.Error(err))
		}
	}

	if s.Reason != agent.EndAborted {
		waitForTeam(ctx, a.team, f.teamWait, log)
	}
	fmt.Fprintf(log, "\n[%s] iterations=%d tokens=%d\n", s.Reason, s.Iterations, s.Usage.TotalTokens)
	if s.Reason == agent.EndError {
		return errors.New(s.Error)
	}
	return nil
}

// follow prints the run's events until it ends. Cancelling ctx aborts it.
func follow(ctx context.Context, run *agent.Run, p *printer) {
	replay, live, cancel := run.Subscribe()
	defer cancel()
	for _, ev := range replay {
		p.print(ev)
	}
	interrupt := ctx.Done()
	for {
		select {
		case <-interrupt:
			fmt.Fprintln(p.log, "\n[aborting]")
			run.Abort()
			interrupt = nil
		case ev, ok := <-live:
			if !ok {
				<-run.Done()
				return
			}
			p.print(ev)
		}
	}
}

// waitForTeam lets teammates spawned by the lead finish, then dissolves
// the team.
func waitForTeam(ctx context.Context, c *team.Coordinator, timeout time.Duration, log io.Writer) {
	if c == nil || c.Snapshot() == nil {
		return
	}
	fmt.Fprintln(log, "\n[team] waiting for teammates")
	report, err := c.Await(ctx, nil, timeout)
	if err == nil {
		fmt.Fprintf(log, "[team] working=%d idle=%d stopped=%d timed_out=%v\n",
			len(report.Working), len(report.Idle), len(report.Stopped), report.TimedOut)
		if report.Team != nil {
			for _, m := range report.Team.Messages {
				if m.To == report.Team.Lead {
					fmt.Fprintf(log, "\n[%s] %s\n", m.From, m.Content)
				}
			}
		}
	}
	c.Delete()
}

type printer struct {
	out io.Writer
	log io.Writer
}

func (p *printer) print(ev agent.Event) {
	switch e := ev.(type) {
	case agent.TextDelta:
		fmt.Fprint(p.out, e.Text)
	case agent.ToolCallStart:
		fmt.Fprintf(p.log, "\n[tool] %s %s\n", e.Call.Name, truncate(string(e.Call.Input), 200))
	case agent.ToolCallResult:
		if e.Call.Status == agent.ToolError {
			fmt.Fprintf(p.log, "[tool] %s failed: %s\n", e.Call.Name, truncate(e.Call.Error, 200))
		} else {
			fmt.Fprintf(p.log, "[tool] %s done\n", e.Call.Name)
		}
	case agent.MessagesInjected:
		fmt.Fprintf(p.log, "\n[%d queued message(s) delivered]\n", len(e.Messages))
	case agent.Error:
		fmt.Fprintf(p.log, "\n[error] %s\n", e.Message)
	case agent.LoopEnd:
		fmt.Fprintln(p.out)
	}
}
