package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/story-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database or campaign statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	e := mustEngine(cmd)
	defer e.Close()

	if id := selectedCampaign(); id != "" {
		st, err := e.orch.Stats(cmd.Context(), id)
		if err != nil {
			exitErr("stats", err)
		}
		printJSON(st)
		return
	}

	if s, ok := e.store.(*store.SQLiteStore); ok {
		st, err := s.Stats(cmd.Context())
		if err != nil {
			exitErr("stats", err)
		}
		printJSON(st)
		return
	}

	list, err := e.orch.ListCampaigns(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}
	out := store.Stats{Campaigns: []store.CampaignStats{}}
	for _, c := range list {
		st, err := e.orch.Stats(cmd.Context(), c.ID)
		if err != nil {
			exitErr("stats", err)
		}
		out.Campaigns = append(out.Campaigns, st)
	}
	printJSON(out)
}
