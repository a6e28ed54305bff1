package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/store"
)

const chainRowFormat = "%-4s  %-6s  %-8s  %-8s  %-8s  %-11s  %s\n"

type headerRow struct {
	Seq       uint32 `json:"seq"`
	Type      string `json:"type"`
	Hash      string `json:"hash"`
	Prev      string `json:"prev,omitempty"`
	Entry     string `json:"entry,omitempty"`
	EntryKind string `json:"entry_kind,omitempty"`
	Timestamp string `json:"timestamp"`
}

type chainView struct {
	Agent   string      `json:"agent"`
	Headers []headerRow `json:"headers"`
}

func (v chainView) renderText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "agent %s\n", v.Agent); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, chainRowFormat, "SEQ", "TYPE", "HEADER", "PREV", "ENTRY", "KIND", "TIMESTAMP"); err != nil {
		return err
	}
	for _, h := range v.Headers {
		_, err := fmt.Fprintf(w, chainRowFormat,
			fmt.Sprint(h.Seq), h.Type, short(h.Hash), orDash(short(h.Prev)), orDash(short(h.Entry)), orDash(h.EntryKind), h.Timestamp)
		if err != nil {
			return err
		}
	}
	return nil
}

// NewChainCommand creates the chain command.
func NewChainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chain <agent>",
		Short: "Print an agent's source chain",
		Long: `Print every header of an agent's source chain in sequence order.

Example:
  cellchain chain --db ./node.db 5b0c...e1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := ir.ParseAgentPubKey(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid agent", err)
			}
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.Chain(cmd.Context(), agent)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read chain", err)
			}
			if len(records) == 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("agent %s has no chain", agent.Short()))
			}
			return rootOpts.printer(cmd).Result(newChainView(agent, records))
		},
	}
}

func newChainView(agent ir.AgentPubKey, records []store.ChainRecord) chainView {
	v := chainView{Agent: agent.String(), Headers: make([]headerRow, 0, len(records))}
	for _, rec := range records {
		h := rec.Header.Header
		row := headerRow{
			Seq:       h.Seq,
			Type:      h.Type.String(),
			Hash:      rec.Hash.String(),
			Timestamp: h.Timestamp.Time().Format(time.RFC3339Nano),
		}
		if h.PrevHeader != nil {
			row.Prev = h.PrevHeader.String()
		}
		if h.EntryHash != nil {
			row.Entry = h.EntryHash.String()
		}
		if rec.Entry != nil {
			row.EntryKind = entryKindName(rec.Entry.Kind)
		}
		v.Headers = append(v.Headers, row)
	}
	return v
}

func entryKindName(k ir.EntryKind) string {
	switch k {
	case ir.EntryApp:
		return "app"
	case ir.EntryCounterSign:
		return "countersign"
	case ir.EntryAgent:
		return "agent"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// short abbreviates a hex hash to the 8 characters Short prints.
func short(hex string) string {
	if len(hex) > 8 {
		return hex[:8]
	}
	return hex
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
