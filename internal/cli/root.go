// Package cli implements the story-memory CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/story-memory/internal/config"
	"github.com/rcliao/story-memory/internal/embedding"
	"github.com/rcliao/story-memory/internal/logging"
	"github.com/rcliao/story-memory/internal/session"
	"github.com/rcliao/story-memory/internal/store"
)

var (
	dbPath       string
	campaignFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "story-memory",
	Short: "Narrative memory and consistency engine",
	Long:  "Cards, memory fragments and contradiction tracking for long-running interactive stories. JSON in, JSON out.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $STORY_MEMORY_DB or ~/.story-memory/memory.db)")
	RootCmd.PersistentFlags().StringVarP(&campaignFlag, "campaign", "c", "", "Campaign id (default: $STORY_MEMORY_CAMPAIGN)")
	RootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (default: $STORY_MEMORY_LOG_LEVEL or warn)")
}

// engine bundles what every command needs.
type engine struct {
	cfg   *config.Config
	log   *zap.Logger
	store store.Store
	orch  *session.Orchestrator
}

func (e *engine) Close() {
	e.store.Close()
	e.log.Sync()
}

func openEngine(cmd *cobra.Command) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	schema, err := config.LoadSchema(cfg.SchemaPath)
	if err != nil {
		return nil, err
	}
	emb, err := embedding.New(cfg.Embedding())
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Options{Backend: cfg.Backend, DBPath: cfg.DBPath, RedisURL: cfg.RedisURL})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	orch, err := session.New(session.Options{
		Embedder:      emb,
		Store:         st,
		Logger:        log,
		Schema:        schema,
		TopK:          cfg.TopK,
		CheckK:        cfg.CheckK,
		MinScore:      cfg.MinScore,
		ContextBudget: cfg.ContextBudget,
		ContextTags:   cfg.ContextTags,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	log.Debug("engine ready",
		zap.String("backend", cfg.Backend),
		zap.String("db", cfg.DBPath),
		zap.String("embedder", cfg.EmbedProvider),
		zap.Int("dimension", emb.Dims()),
	)
	return &engine{cfg: cfg, log: log, store: st, orch: orch}, nil
}

func mustEngine(cmd *cobra.Command) *engine {
	e, err := openEngine(cmd)
	if err != nil {
		exitErr("open engine", err)
	}
	return e
}

// selectedCampaign returns the --campaign flag or $STORY_MEMORY_CAMPAIGN, possibly empty.
func selectedCampaign() string {
	if campaignFlag != "" {
		return campaignFlag
	}
	return os.Getenv("STORY_MEMORY_CAMPAIGN")
}

// campaignID returns the selected campaign or exits.
func campaignID() string {
	if id := selectedCampaign(); id != "" {
		return id
	}
	exitErr("campaign", fmt.Errorf("no campaign selected (use --campaign or $STORY_MEMORY_CAMPAIGN)"))
	return ""
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitErr("encode output", err)
	}
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
