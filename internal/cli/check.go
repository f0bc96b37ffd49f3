package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/story-memory/internal/model"
	"github.com/rcliao/story-memory/internal/session"
)

func init() {
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run a consistency check over the whole campaign",
		Long:  "Audit every card and fragment against the attribute schema and report unresolved contradictions. No claim is applied.",
		Run:   runCheck,
	}
	checkCmd.Flags().Bool("all", false, "List every contradiction record instead of auditing")

	resolveCmd := &cobra.Command{
		Use:   "resolve <record-id> <keep|accept|merge|suppress>",
		Short: "Settle a flagged or rejected contradiction",
		Args:  cobra.ExactArgs(2),
		Run:   runResolve,
	}
	resolveCmd.Flags().String("value", "", "Value to apply when merging (JSON or plain text)")
	resolveCmd.Flags().String("note", "", "Why it was settled this way")

	RootCmd.AddCommand(checkCmd, resolveCmd)
}

func runCheck(cmd *cobra.Command, args []string) {
	all, _ := cmd.Flags().GetBool("all")

	e := mustEngine(cmd)
	defer e.Close()

	id := campaignID()
	if all {
		recs, err := e.orch.Contradictions(cmd.Context(), id, false)
		if err != nil {
			exitErr("check", err)
		}
		printJSON(recs)
		return
	}

	report, err := e.orch.RunConsistencyCheck(cmd.Context(), id)
	if err != nil {
		exitErr("check", err)
	}
	printJSON(report)
}

func runResolve(cmd *cobra.Command, args []string) {
	raw, _ := cmd.Flags().GetString("value")
	note, _ := cmd.Flags().GetString("note")

	p := session.ResolveParams{RecordID: args[0], Choice: model.Choice(args[1]), Note: note}
	if cmd.Flags().Changed("value") {
		v := parseValue(raw)
		p.Value = &v
	}

	e := mustEngine(cmd)
	defer e.Close()

	rec, err := e.orch.Resolve(cmd.Context(), campaignID(), p)
	if err != nil {
		exitErr("resolve", err)
	}
	printJSON(rec)
}
