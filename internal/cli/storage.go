package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bob-yamong/policy-back/internal/monitor"
	"github.com/bob-yamong/policy-back/internal/storage"
)

// storageCmd represents the storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect and maintain the inventory database",
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show database location and row counts per table",
	RunE:  runInfo,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Run one retention pass now",
	Long: `Delete SystemInfo and ContainerSysInfo rows older than the configured
retention windows, ignoring the retention interval. Inventory tables and the
heartbeat audit log are never pruned.`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd)
	storageCmd.AddCommand(pruneCmd)
}

func printCounts(counts map[string]int64) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Table\tCount")
	fmt.Fprintln(w, "-----\t-----")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%d\n", name, counts[name])
	}
	w.Flush()
}

func describeDatabase(c storage.Config) string {
	if c.Driver == storage.DriverPostgres {
		return "postgres"
	}
	if c.InMemory {
		return "sqlite (in memory)"
	}
	dbPath := c.Path
	if abs, err := filepath.Abs(dbPath); err == nil {
		dbPath = abs
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("%s (not found, will be created on first run)", dbPath)
		}
		return fmt.Sprintf("%s (error: %v)", dbPath, err)
	}
	return fmt.Sprintf("%s (%.2f MB)", dbPath, float64(info.Size())/1024/1024)
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	fmt.Printf("Database: %s\n\n", describeDatabase(cfg.Storage))

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	counts, err := store.TableCounts(ctx)
	if err != nil {
		return err
	}
	printCounts(counts)
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	r := cfg.Retention
	fmt.Printf("Policy: system_info=%s container_info=%s (heartbeats are kept)\n",
		r.KeepSystemInfo, r.KeepContainerInfo)

	deleted, err := monitor.Prune(ctx, store, r)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}

	fmt.Println("Deleted rows:")
	printCounts(deleted)

	if counts, err := store.TableCounts(ctx); err == nil {
		fmt.Println("\nRemaining rows:")
		printCounts(counts)
	}
	return nil
}
