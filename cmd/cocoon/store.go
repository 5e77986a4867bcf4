package main

import (
	"fmt"
	"os"

	"github.com/cuemby/cocoon/pkg/storage"
	"github.com/spf13/cobra"
)

// Query store commands
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the local query store",
}

var storeImportCmd = &cobra.Command{
	Use:   "import -f FILE",
	Short: "Import tasks and knowledge entries from a YAML file",
	Long: `Import tasks and knowledge entries from a YAML file.

Examples:
  # Seed the store used by local queries
  cocoon store import -f tasks.yaml

The file has two optional lists:

  tasks:
    - id: t1
      title: Rotate logs
      status: pending
      tags: [ops]
  knowledge:
    - id: k1
      title: Log rotation
      content: Logs rotate daily at midnight.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")

		f, err := os.Open(filename)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer f.Close()

		bundle, err := storage.ReadBundle(f)
		if err != nil {
			return err
		}

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		tasks, entries, err := storage.Import(store, bundle)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Imported %d tasks and %d knowledge entries\n", tasks, entries)
		return nil
	},
}

var storeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.TaskStats()
		if err != nil {
			return err
		}
		knowledge, err := store.ListKnowledge()
		if err != nil {
			return err
		}

		fmt.Printf("Tasks:      %d\n", stats.Total)
		fmt.Printf("  Pending:   %d\n", stats.Pending)
		fmt.Printf("  Running:   %d\n", stats.Running)
		fmt.Printf("  Completed: %d\n", stats.Completed)
		fmt.Printf("  Failed:    %d\n", stats.Failed)
		fmt.Printf("Knowledge:  %d\n", len(knowledge))
		return nil
	},
}

func init() {
	storeCmd.AddCommand(storeImportCmd)
	storeCmd.AddCommand(storeStatsCmd)

	storeCmd.PersistentFlags().String("data-dir", "", "Worker data directory")
	storeCmd.PersistentFlags().String("store", "", "Path to the store database (default <data-dir>/tasks.db)")

	storeImportCmd.Flags().StringP("file", "f", "", "YAML file to import (required)")
	_ = storeImportCmd.MarkFlagRequired("file")
}

func openStore(cmd *cobra.Command) (*storage.BoltStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if path, _ := cmd.Flags().GetString("store"); path != "" {
		cfg.Query.StorePath = path
	}
	return storage.NewBoltStore(cfg.StorePath())
}
