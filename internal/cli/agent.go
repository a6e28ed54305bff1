package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cellchain/internal/chain"
	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/keystore"
	"github.com/roach88/cellchain/internal/trigger"
)

// NewAgentCommand creates the agent command group.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage local agents",
	}
	cmd.AddCommand(newAgentNewCommand(rootOpts))
	cmd.AddCommand(newAgentListCommand(rootOpts))
	return cmd
}

type agentCreated struct {
	Agent   string `json:"agent"`
	Genesis string `json:"genesis"`
}

func (a agentCreated) renderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "agent    %s\ngenesis  %s\n", a.Agent, a.Genesis)
	return err
}

func newAgentNewCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Generate an agent key and write its genesis header",
		Long: `Generate an Ed25519 agent key, persist it in the database and write the
agent's Init header. The genesis ops are published the next time the node
runs.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			keys, err := keystore.Open(ctx, st, clock.Real())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load agent keys", err)
			}
			agent, err := keys.Generate(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to generate agent", err)
			}

			// No node is running here; publication happens on the next run.
			author := chain.NewAuthor(st, keys, clock.Real(), trigger.Sender{}, rootOpts.logger(cfg, cmd.ErrOrStderr()))
			genesis, err := author.Genesis(ctx, agent)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to write genesis", err)
			}
			return rootOpts.printer(cmd).Result(agentCreated{Agent: agent.String(), Genesis: genesis.String()})
		},
	}
}

type agentRow struct {
	Agent  string `json:"agent"`
	Length int    `json:"length"`
	Locked bool   `json:"locked"`
}

type agentList []agentRow

func (l agentList) renderText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "no agents")
		return err
	}
	for _, a := range l {
		lock := ""
		if a.Locked {
			lock = "  locked"
		}
		if _, err := fmt.Fprintf(w, "%s  %d header(s)%s\n", a.Agent, a.Length, lock); err != nil {
			return err
		}
	}
	return nil
}

func newAgentListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List local agents and their chain lengths",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			keys, err := keystore.Open(ctx, st, clock.Real())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load agent keys", err)
			}
			now := ir.TimestampOf(clock.Real().Now())
			rows := agentList{}
			for _, agent := range keys.Agents() {
				row := agentRow{Agent: agent.String()}
				head, err := st.ChainHead(ctx, agent)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read chain", err)
				}
				if head != nil {
					row.Length = int(head.Seq) + 1
				}
				lock, err := st.ChainLock(ctx, agent, now)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read chain lock", err)
				}
				row.Locked = lock != nil
				rows = append(rows, row)
			}
			return rootOpts.printer(cmd).Result(rows)
		},
	}
}
