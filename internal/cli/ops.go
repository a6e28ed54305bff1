package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/store"
)

const opRowFormat = "%-4s  %-8s  %-21s  %-8s  %-9s  %-9s  %s\n"

type opRow struct {
	Seq           int64  `json:"seq"`
	Hash          string `json:"hash"`
	Type          string `json:"type"`
	Header        string `json:"header"`
	Author        string `json:"author"`
	Status        string `json:"status"`
	Published     bool   `json:"published"`
	IntegratedSeq int64  `json:"integrated_seq,omitempty"`
}

type opList []opRow

func (l opList) renderText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, opRowFormat, "SEQ", "OP", "TYPE", "HEADER", "STATUS", "PUBLISHED", "INTEGRATED"); err != nil {
		return err
	}
	for _, op := range l {
		integrated := "-"
		if op.IntegratedSeq > 0 {
			integrated = fmt.Sprint(op.IntegratedSeq)
		}
		published := "no"
		if op.Published {
			published = "yes"
		}
		_, err := fmt.Fprintf(w, opRowFormat,
			fmt.Sprint(op.Seq), short(op.Hash), op.Type, short(op.Header), op.Status, published, integrated)
		if err != nil {
			return err
		}
	}
	return nil
}

// OpsOptions holds flags for the ops command.
type OpsOptions struct {
	*RootOptions
	Agent   string
	Pending bool
}

// NewOpsCommand creates the ops command.
func NewOpsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OpsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ops",
		Short: "List DHT ops with their validation and integration state",
		Long: `List stored DHT ops in arrival order.

Example:
  cellchain ops --db ./node.db --pending
  cellchain ops --db ./node.db --agent 5b0c...e1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter store.OpFilter
			if opts.Agent != "" {
				agent, err := ir.ParseAgentPubKey(opts.Agent)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid agent", err)
				}
				filter.Author = &agent
			}
			filter.Pending = opts.Pending

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.Ops(cmd.Context(), filter)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list ops", err)
			}
			return opts.printer(cmd).Result(newOpList(records))
		},
	}

	cmd.Flags().StringVar(&opts.Agent, "agent", "", "only ops authored by this agent")
	cmd.Flags().BoolVar(&opts.Pending, "pending", false, "only ops not yet integrated")

	return cmd
}

func newOpList(records []store.OpRecord) opList {
	l := make(opList, 0, len(records))
	for _, rec := range records {
		status := "pending"
		if rec.Status != 0 {
			status = rec.Status.String()
		}
		l = append(l, opRow{
			Seq:           rec.Seq,
			Hash:          rec.Hash.String(),
			Type:          rec.Op.Type.String(),
			Header:        rec.Op.HeaderHash.String(),
			Author:        rec.Op.Header.Header.Author.String(),
			Status:        status,
			Published:     rec.Published,
			IntegratedSeq: rec.IntegratedSeq,
		})
	}
	return l
}
