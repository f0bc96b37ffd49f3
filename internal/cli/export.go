package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/story-memory/internal/model"
)

func init() {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export a campaign snapshot as JSON",
		Long:  "Print the full durable representation of the selected campaign: cards with history, fragments with embeddings, and contradiction records.",
		Run:   runExport,
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a campaign snapshot from JSON",
		Long:  "Import a snapshot produced by export (stdin or --file). The campaign id must not exist yet.",
		Run:   runImport,
	}
	importCmd.Flags().String("file", "", "Read the snapshot from a file")

	RootCmd.AddCommand(exportCmd, importCmd)
}

func runExport(cmd *cobra.Command, args []string) {
	e := mustEngine(cmd)
	defer e.Close()

	snap, err := e.orch.Snapshot(cmd.Context(), campaignID())
	if err != nil {
		exitErr("export", err)
	}
	printJSON(snap)
}

func runImport(cmd *cobra.Command, args []string) {
	file, _ := cmd.Flags().GetString("file")
	data, err := readInput(nil, file)
	if err != nil {
		exitErr("read input", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		exitErr("parse json", err)
	}

	e := mustEngine(cmd)
	defer e.Close()

	c, err := e.orch.ImportSnapshot(cmd.Context(), &snap)
	if err != nil {
		exitErr("import", err)
	}
	fmt.Printf(`{"ok":true,"campaign":%q,"cards":%d,"fragments":%d}`+"\n", c.ID, len(snap.Cards), len(snap.Fragments))
}
