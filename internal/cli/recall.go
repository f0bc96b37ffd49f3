package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/story-memory/internal/chunker"
	"github.com/rcliao/story-memory/internal/session"
)

func init() {
	recallCmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search memory fragments by similarity",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRecall,
	}
	recallCmd.Flags().IntP("top-k", "k", 0, "Number of fragments (default: $STORY_MEMORY_TOP_K)")
	recallCmd.Flags().String("card", "", "Only fragments referencing this card")
	recallCmd.Flags().String("source", "", "Only fragments from this source: turn or lore")

	loreCmd := &cobra.Command{
		Use:   "lore [text]",
		Short: "Seed background lore into memory",
		Long:  "Chunk lore text (positional, --file or stdin) on headings and paragraphs and store every passage as a turn-0 fragment.",
		Run:   runLore,
	}
	loreCmd.Flags().String("file", "", "Read lore from a file")
	loreCmd.Flags().StringSlice("cards", nil, "Card ids the lore is about")
	loreCmd.Flags().Float64("importance", 0, "Fragment importance 0..1 (default 0.5)")
	loreCmd.Flags().Int("chunk-size", chunker.DefaultTargetSize, "Target passage size in bytes")

	RootCmd.AddCommand(recallCmd, loreCmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	k, _ := cmd.Flags().GetInt("top-k")
	card, _ := cmd.Flags().GetString("card")
	source, _ := cmd.Flags().GetString("source")

	e := mustEngine(cmd)
	defer e.Close()

	hits, err := e.orch.Recall(cmd.Context(), campaignID(), session.RecallParams{
		Query:  strings.Join(args, " "),
		K:      k,
		CardID: card,
		Source: source,
	})
	if err != nil {
		exitErr("recall", err)
	}
	printJSON(hits)
}

func runLore(cmd *cobra.Command, args []string) {
	file, _ := cmd.Flags().GetString("file")
	cards, _ := cmd.Flags().GetStringSlice("cards")
	importance, _ := cmd.Flags().GetFloat64("importance")
	size, _ := cmd.Flags().GetInt("chunk-size")

	text, err := readInput(args, file)
	if err != nil {
		exitErr("read input", err)
	}
	if strings.TrimSpace(text) == "" {
		exitErr("lore", fmt.Errorf("lore text is required (positional arg, --file or stdin)"))
	}

	opts := chunker.DefaultOptions()
	if size > 0 && size != opts.TargetSize {
		opts = chunker.Options{TargetSize: size, MinSize: size / 4, MaxSize: size * 3 / 2}
	}

	e := mustEngine(cmd)
	defer e.Close()

	ids, err := e.orch.SeedLore(cmd.Context(), campaignID(), session.LoreParams{
		Text:       text,
		CardIDs:    cards,
		Importance: importance,
		Chunking:   opts,
	})
	if err != nil {
		exitErr("lore", err)
	}
	printJSON(map[string]any{"ok": true, "fragments": ids})
}
