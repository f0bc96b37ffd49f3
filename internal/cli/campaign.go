package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/story-memory/internal/session"
)

func init() {
	campaignCmd := &cobra.Command{
		Use:   "campaign",
		Short: "Campaign management",
	}

	newCmd := &cobra.Command{
		Use:   "new [name]",
		Short: "Create a campaign",
		Args:  cobra.MaximumNArgs(1),
		Run:   runCampaignNew,
	}
	newCmd.Flags().String("id", "", "Campaign id (default: generated)")
	newCmd.Flags().String("metric", "cosine", "Similarity metric: cosine, dot, euclidean")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		Run:   runCampaignList,
	}

	rmCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a campaign and everything in it",
		Args:  cobra.ExactArgs(1),
		Run:   runCampaignRm,
	}

	campaignCmd.AddCommand(newCmd, listCmd, rmCmd)
	RootCmd.AddCommand(campaignCmd)
}

func runCampaignNew(cmd *cobra.Command, args []string) {
	id, _ := cmd.Flags().GetString("id")
	metric, _ := cmd.Flags().GetString("metric")
	var name string
	if len(args) > 0 {
		name = args[0]
	}

	e := mustEngine(cmd)
	defer e.Close()

	c, err := e.orch.CreateCampaign(cmd.Context(), session.CreateCampaignParams{ID: id, Name: name, Metric: metric})
	if err != nil {
		exitErr("create campaign", err)
	}
	printJSON(c)
}

func runCampaignList(cmd *cobra.Command, args []string) {
	e := mustEngine(cmd)
	defer e.Close()

	list, err := e.orch.ListCampaigns(cmd.Context())
	if err != nil {
		exitErr("list campaigns", err)
	}
	type row struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		LastTurn int64  `json:"last_turn"`
	}
	rows := make([]row, 0, len(list))
	for _, c := range list {
		rows = append(rows, row{ID: c.ID, Name: c.Name, LastTurn: c.LastTurn})
	}
	printJSON(rows)
}

func runCampaignRm(cmd *cobra.Command, args []string) {
	e := mustEngine(cmd)
	defer e.Close()

	if err := e.orch.DeleteCampaign(cmd.Context(), args[0]); err != nil {
		exitErr("delete campaign", err)
	}
	fmt.Printf(`{"ok":true,"deleted":%q}`+"\n", args[0])
}
