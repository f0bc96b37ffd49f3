package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/story-memory/internal/model"
	"github.com/rcliao/story-memory/internal/session"
)

func init() {
	cardCmd := &cobra.Command{
		Use:   "card",
		Short: "Card management",
	}

	newCmd := &cobra.Command{
		Use:   "new <kind> [name]",
		Short: "Create a card (character, location, item, relationship)",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runCardNew,
	}
	newCmd.Flags().String("id", "", "Card id (default: generated)")
	newCmd.Flags().StringArrayP("attr", "a", nil, `Attribute as key=value; JSON values keep their type, {"ref":"<id>"} is a reference`)
	newCmd.Flags().StringSliceP("tags", "t", nil, "Tags")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a card",
		Args:  cobra.ExactArgs(1),
		Run:   runCardGet,
	}

	setCmd := &cobra.Command{
		Use:   "set <id> <attribute> <value>",
		Short: "Set an attribute directly, outside any turn",
		Args:  cobra.ExactArgs(3),
		Run:   runCardSet,
	}
	setCmd.Flags().Bool("ref", false, "Treat the value as a card id reference")

	tagCmd := &cobra.Command{
		Use:   "tag <id> <tag>",
		Short: "Tag a card",
		Args:  cobra.ExactArgs(2),
		Run:   runCardTag,
	}
	tagCmd.Flags().Bool("remove", false, "Remove the tag instead")

	historyCmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a card's revision history",
		Args:  cobra.ExactArgs(1),
		Run:   runCardHistory,
	}

	findCmd := &cobra.Command{
		Use:   "find [name]",
		Short: "Find cards by name, kind and tag",
		Args:  cobra.MaximumNArgs(1),
		Run:   runCardFind,
	}
	findCmd.Flags().String("kind", "", "Filter by kind")
	findCmd.Flags().StringP("tag", "t", "", "Filter by tag")

	cardCmd.AddCommand(newCmd, getCmd, setCmd, tagCmd, historyCmd, findCmd)
	RootCmd.AddCommand(cardCmd)
}

func runCardNew(cmd *cobra.Command, args []string) {
	id, _ := cmd.Flags().GetString("id")
	pairs, _ := cmd.Flags().GetStringArray("attr")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	var name string
	if len(args) > 1 {
		name = args[1]
	}

	attrs, err := parseAttrs(pairs)
	if err != nil {
		exitErr("card new", err)
	}

	e := mustEngine(cmd)
	defer e.Close()

	card, err := e.orch.CreateCard(cmd.Context(), campaignID(), session.CardParams{
		ID:         id,
		Kind:       model.Kind(args[0]),
		Name:       name,
		Attributes: attrs,
		Tags:       tags,
	})
	if err != nil {
		exitErr("card new", err)
	}
	printJSON(card)
}

func runCardGet(cmd *cobra.Command, args []string) {
	e := mustEngine(cmd)
	defer e.Close()

	card, err := e.orch.GetCard(cmd.Context(), campaignID(), args[0])
	if err != nil {
		exitErr("card get", err)
	}
	printJSON(card)
}

func runCardSet(cmd *cobra.Command, args []string) {
	isRef, _ := cmd.Flags().GetBool("ref")
	v := parseValue(args[2])
	if isRef {
		v = model.Ref(args[2])
	}

	e := mustEngine(cmd)
	defer e.Close()

	card, err := e.orch.SetAttribute(cmd.Context(), campaignID(), args[0], args[1], v)
	if err != nil {
		exitErr("card set", err)
	}
	printJSON(card)
}

func runCardTag(cmd *cobra.Command, args []string) {
	remove, _ := cmd.Flags().GetBool("remove")

	e := mustEngine(cmd)
	defer e.Close()

	card, err := e.orch.TagCard(cmd.Context(), campaignID(), args[0], args[1], remove)
	if err != nil {
		exitErr("card tag", err)
	}
	printJSON(card)
}

func runCardHistory(cmd *cobra.Command, args []string) {
	e := mustEngine(cmd)
	defer e.Close()

	hist, err := e.orch.CardHistory(cmd.Context(), campaignID(), args[0])
	if err != nil {
		exitErr("card history", err)
	}
	printJSON(hist)
}

func runCardFind(cmd *cobra.Command, args []string) {
	kind, _ := cmd.Flags().GetString("kind")
	tag, _ := cmd.Flags().GetString("tag")
	var name string
	if len(args) > 0 {
		name = args[0]
	}

	e := mustEngine(cmd)
	defer e.Close()

	found, err := e.orch.FindCards(cmd.Context(), campaignID(), session.FindParams{Name: name, Kind: model.Kind(kind), Tag: tag})
	if err != nil {
		exitErr("card find", err)
	}
	printJSON(found)
}
