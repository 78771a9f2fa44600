package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendlt/accumen-appsdk/engine/state"
)

// snapshotCommand creates the snapshot management command with subcommands
func snapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage state snapshots",
		Long:  "Commands for exporting, importing, listing and pruning state snapshots",
	}

	cmd.AddCommand(
		snapshotExportCommand(),
		snapshotImportCommand(),
		snapshotListCommand(),
		snapshotPruneCommand(),
	)

	return cmd
}

func snapshotExportCommand() *cobra.Command {
	var outputFile string
	var snapshotDir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the chain state to a snapshot file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := openNode(ctx)
			if err != nil {
				return err
			}
			defer n.Close(ctx)

			if outputFile == "" {
				name := fmt.Sprintf("%s-%08d%s", n.cfg.Chain, n.chain.Sequence(), state.SnapshotExt)
				outputFile = filepath.Join(snapshotDir, name)
			}

			if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
				return fmt.Errorf("failed to create snapshot directory: %w", err)
			}

			meta := &state.SnapshotMeta{
				Chain:    n.cfg.Chain,
				Sequence: n.chain.Sequence(),
				Time:     time.Now().UTC(),
			}
			if err := state.WriteSnapshot(outputFile, n.store, meta); err != nil {
				return fmt.Errorf("failed to write snapshot: %w", err)
			}

			prettyPrint(map[string]interface{}{
				"output_file": outputFile,
				"sequence":    meta.Sequence,
				"num_keys":    meta.NumKeys,
				"digest":      meta.Digest,
				"time":        meta.Time.Format(time.RFC3339),
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&outputFile, "out", "", "Output snapshot file path (defaults to a name in --snapshot-dir)")
	cmd.Flags().StringVar(&snapshotDir, "snapshot-dir", "data/snapshots", "Snapshot directory path")
	return cmd
}

func snapshotImportCommand() *cobra.Command {
	var inputFile string
	var force bool

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the chain state with a snapshot",
		Long:  "Restores state from a snapshot file. WARNING: This will overwrite existing state!",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				fmt.Println("WARNING: Importing a snapshot will completely replace the current state.")
				fmt.Print("Continue? (y/N): ")

				var response string
				fmt.Scanln(&response)
				if r := strings.ToLower(response); r != "y" && r != "yes" {
					fmt.Println("Import cancelled.")
					return nil
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := state.OpenStore(cfg.Storage.Backend, cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
			}
			defer store.Close()

			meta, err := state.RestoreFromSnapshot(inputFile, store)
			if err != nil {
				return err
			}
			if meta.Chain != cfg.Chain {
				fmt.Printf("Note: snapshot was taken from chain %q, configured chain is %q\n", meta.Chain, cfg.Chain)
			}

			prettyPrint(map[string]interface{}{
				"input_file": inputFile,
				"chain":      meta.Chain,
				"sequence":   meta.Sequence,
				"num_keys":   meta.NumKeys,
				"digest":     meta.Digest,
				"time":       meta.Time.Format(time.RFC3339),
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&inputFile, "in", "", "Input snapshot file path (required)")
	cmd.Flags().BoolVar(&force, "force", false, "Skip confirmation prompt")
	cmd.MarkFlagRequired("in")
	return cmd
}

func snapshotListCommand() *cobra.Command {
	var snapshotDir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshots, err := state.ListSnapshots(snapshotDir)
			if err != nil {
				return err
			}
			if len(snapshots) == 0 {
				fmt.Printf("No snapshots found in %s\n", snapshotDir)
				return nil
			}

			prettyPrint(map[string]interface{}{
				"snapshot_dir": snapshotDir,
				"count":        len(snapshots),
				"snapshots":    snapshots,
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&snapshotDir, "snapshot-dir", "data/snapshots", "Snapshot directory path")
	return cmd
}

func snapshotPruneCommand() *cobra.Command {
	var snapshotDir string
	var retain int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove all but the newest snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := state.PruneSnapshots(snapshotDir, retain)
			prettyPrint(map[string]interface{}{
				"snapshot_dir": snapshotDir,
				"removed":      removed,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&snapshotDir, "snapshot-dir", "data/snapshots", "Snapshot directory path")
	cmd.Flags().IntVar(&retain, "retain", 5, "Number of snapshots to keep")
	return cmd
}
