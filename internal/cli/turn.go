package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/story-memory/internal/session"
)

func init() {
	turnCmd := &cobra.Command{
		Use:   "turn",
		Short: "Advance the story one turn",
	}

	beginCmd := &cobra.Command{
		Use:   "begin [player input]",
		Short: "Assemble the context bundle for the next turn",
		Long:  "Embed the player input, retrieve relevant fragments and cards, and print the bundle the generation step consumes. Nothing is written.",
		Run:   runTurnBegin,
	}

	commitCmd := &cobra.Command{
		Use:   "commit [generated text]",
		Short: "Commit a generated turn and its claims",
		Long: `Commit a turn. The body is a JSON object read from --file or stdin:

  {"turn_id": 3, "generated_text": "...",
   "claims": [{"text": "...", "facts": [{"card_id": "elara", "attribute": "location", "value": "forest"}]}],
   "drafts": [{"ref": "inn", "kind": "location", "name": "The Drowned Inn"}],
   "card_ids": ["elara"]}

A positional argument is taken as the generated text of a turn without claims.`,
		Run: runTurnCommit,
	}
	commitCmd.Flags().Int64("turn", 0, "Turn id (default: the next turn)")
	commitCmd.Flags().String("file", "", "Read the commit body from a file")
	commitCmd.Flags().Float64("importance", 0, "Fragment importance 0..1 (default 0.5)")
	commitCmd.Flags().Bool("skip-invalid", false, "Drop claims that fail validation instead of failing the turn")

	turnCmd.AddCommand(beginCmd, commitCmd)
	RootCmd.AddCommand(turnCmd)
}

func runTurnBegin(cmd *cobra.Command, args []string) {
	input, err := readInput(args, "")
	if err != nil {
		exitErr("read input", err)
	}

	e := mustEngine(cmd)
	defer e.Close()

	bundle, err := e.orch.BeginTurn(cmd.Context(), campaignID(), strings.TrimSpace(input))
	if err != nil {
		exitErr("turn begin", err)
	}
	printJSON(bundle)
}

func runTurnCommit(cmd *cobra.Command, args []string) {
	turn, _ := cmd.Flags().GetInt64("turn")
	file, _ := cmd.Flags().GetString("file")
	importance, _ := cmd.Flags().GetFloat64("importance")
	skip, _ := cmd.Flags().GetBool("skip-invalid")

	var p session.CommitParams
	if len(args) > 0 {
		p.GeneratedText = strings.Join(args, " ")
	} else {
		body, err := readInput(nil, file)
		if err != nil {
			exitErr("read input", err)
		}
		if strings.TrimSpace(body) == "" {
			exitErr("turn commit", fmt.Errorf("commit body is required (positional text, --file or stdin)"))
		}
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			exitErr("parse json", err)
		}
	}
	if turn != 0 {
		p.TurnID = turn
	}
	if importance != 0 {
		p.Importance = importance
	}
	if skip {
		p.SkipInvalid = true
	}

	e := mustEngine(cmd)
	defer e.Close()

	id := campaignID()
	if p.TurnID == 0 {
		c, err := e.orch.OpenCampaign(cmd.Context(), id)
		if err != nil {
			exitErr("open campaign", err)
		}
		p.TurnID = c.LastTurn + 1
	}

	res, err := e.orch.CommitTurn(cmd.Context(), id, p)
	if err != nil {
		exitErr("turn commit", err)
	}
	printJSON(res)
}
