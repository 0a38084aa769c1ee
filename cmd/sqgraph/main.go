package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/liliang-cn/sqgraph"
	"github.com/liliang-cn/sqgraph/internal/config"
)

var (
	configPath string
	dataDir    string
	namespace  string
	actor      string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "sqgraph",
	Short: "CLI tool for managing sqgraph namespaces",
	Long:  `A command-line interface for entities, relationships, schemas and events stored in sqgraph namespaces, plus an HTTP server.`,
	SilenceUsage: true,
}

// loadConfig reads the config file and environment, then applies flags
func loadConfig() (*sqgraph.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func openDB(ctx context.Context) (*sqgraph.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openDBWith(ctx, cfg)
}

func openDBWith(ctx context.Context, cfg *sqgraph.Config) (*sqgraph.DB, error) {
	db, err := sqgraph.Open(ctx, *cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open data dir: %w", err)
	}
	return db, nil
}

// openNamespace opens the namespace selected by --ns
func openNamespace(ctx context.Context) (*sqgraph.DB, *sqgraph.Namespace, error) {
	db, err := openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	ns, err := db.Namespace(ctx, namespace)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to open namespace %s: %w", namespace, err)
	}
	return db, ns, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if actor != "" {
		ctx = sqgraph.WithActor(ctx, actor)
	}
	return ctx
}

func parseJSON(raw, what string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid %s JSON: %w", what, err)
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&namespace, "ns", "n", "default", "Namespace")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "Actor recorded on events")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(serveCmd, namespacesCmd, entityCmd, relCmd, schemaCmd, eventsCmd, replayCmd, rebuildCmd)
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to load .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
