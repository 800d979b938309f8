// Command gv-backup backs up directories into timestamped zip archives or
// incremental mirror trees.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gamevaultlabs.io/gv-backup/pkg/config"
	"gamevaultlabs.io/gv-backup/pkg/engine"
	"gamevaultlabs.io/gv-backup/pkg/event"
	"gamevaultlabs.io/gv-backup/pkg/metrics"
	"gamevaultlabs.io/gv-backup/pkg/plog"
	"gamevaultlabs.io/gv-backup/pkg/retention"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		plog.Error("gv-backup failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		verbose bool
		quiet   bool
	)

	root := &cobra.Command{
		Use:           "gv-backup",
		Short:         "Back up directories into zip archives or incremental mirrors",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				plog.SetLevel("debug")
			}
			plog.SetQuiet(quiet)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")

	root.AddCommand(newBackupCmd(), newListCmd(), newPruneCmd(), newVersionCmd())
	return root
}

func newBackupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run a backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			overlayFlags(cmd, &cfg)
			if cmd.Flags().Changed("incremental") && cfg.Incremental && cfg.Mode == config.ModeZip {
				plog.Warn("Incremental has no effect in zip mode, ignoring it")
			}
			return runBackup(cmd, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gv-backup.yaml", "config file")
	cmd.Flags().StringArrayP("source", "s", nil, "source directory (repeatable)")
	cmd.Flags().StringP("dest", "d", "", "destination directory")
	cmd.Flags().StringP("mode", "m", "", "backup mode: zip or mirror")
	cmd.Flags().Bool("incremental", true, "skip unchanged files (mirror mode)")
	cmd.Flags().String("product", "", "backup set name prefix")
	cmd.Flags().StringP("format", "f", "", "archive format: zip, tar.gz or tar.zst")
	cmd.Flags().Bool("strict-collisions", false, "fail colliding entry names instead of overwriting")
	cmd.Flags().Bool("preserve-root-names", false, "prefix entries with a parent__leaf root tag")
	cmd.Flags().String("mirror-dir", "", "fixed mirror directory name")
	cmd.Flags().Int64("min-free", 0, "minimum free bytes required on the destination")
	cmd.Flags().Bool("dry-run", false, "log actions without writing anything")
	return cmd
}

// overlayFlags applies only the flags the user actually set on top of the
// file-loaded config.
func overlayFlags(cmd *cobra.Command, cfg *config.RunConfig) {
	f := cmd.Flags()
	if f.Changed("source") {
		cfg.Sources, _ = f.GetStringArray("source")
	}
	if f.Changed("dest") {
		cfg.Destination, _ = f.GetString("dest")
	}
	if f.Changed("mode") {
		mode, _ := f.GetString("mode")
		cfg.Mode = config.Mode(mode)
	}
	if f.Changed("incremental") {
		cfg.Incremental, _ = f.GetBool("incremental")
	}
	if f.Changed("product") {
		cfg.Product, _ = f.GetString("product")
	}
	if f.Changed("format") {
		cfg.ArchiveFormat, _ = f.GetString("format")
	}
	if f.Changed("strict-collisions") {
		cfg.StrictCollisions, _ = f.GetBool("strict-collisions")
	}
	if f.Changed("preserve-root-names") {
		cfg.PreserveRootNames, _ = f.GetBool("preserve-root-names")
	}
	if f.Changed("mirror-dir") {
		cfg.MirrorDirName, _ = f.GetString("mirror-dir")
	}
	if f.Changed("min-free") {
		cfg.MinFreeBytes, _ = f.GetInt64("min-free")
	}
	if f.Changed("dry-run") {
		cfg.DryRun, _ = f.GetBool("dry-run")
	}
}

// progressString renders "processed/total". The scan total is advisory, so
// files created after the scan are clamped rather than shown as overflow.
func progressString(c metrics.Snapshot) string {
	processed := c.FilesCopied + c.FilesSkipped + c.FilesFailed
	if processed > c.FilesTotal {
		processed = c.FilesTotal
	}
	return fmt.Sprintf("%d/%d", processed, c.FilesTotal)
}

func runBackup(cmd *cobra.Command, cfg config.RunConfig) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := engine.New().Start(ctx, cfg)
	if err != nil {
		return err
	}

	for ev := range run.Events() {
		switch ev.Type {
		case event.FileCopied:
			plog.Info("COPY", "file", ev.Path, "progress", progressString(ev.Counts))
		case event.FileFailed:
			plog.Warn("FAIL", "file", ev.Path, "error", ev.Err)
		case event.ScanComplete:
			plog.Info("Scan complete", "files", ev.Counts.FilesTotal)
		}
	}

	res := run.Wait()
	switch res.Status {
	case engine.StatusFatal:
		return fmt.Errorf("backup failed: %s", res.Reason)
	case engine.StatusCancelled:
		plog.Warn("Backup cancelled",
			"copied", res.Counts.FilesCopied,
			"output", res.OutputPath)
		return nil
	}

	plog.Notice("Backup complete",
		"status", res.Status.String(),
		"output", res.OutputPath,
		"copied", res.Counts.FilesCopied,
		"skipped", res.Counts.FilesSkipped,
		"failed", res.Counts.FilesFailed,
		"bytes", res.Counts.BytesCopied,
	)
	return nil
}

func newListCmd() *cobra.Command {
	var (
		dest    string
		product string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backup sets in a destination directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			backups, err := retention.List(dest, product)
			if err != nil {
				return err
			}
			if len(backups) == 0 {
				plog.Notice("No backups found", "dest", dest, "product", product)
				return nil
			}
			for _, b := range backups {
				kind := "archive"
				if b.IsDir {
					kind = "mirror"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-7s  %s\n",
					b.Start.Format(time.DateTime), kind, b.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dest, "dest", "d", "", "destination directory")
	cmd.Flags().StringVar(&product, "product", config.DefaultProduct, "backup set name prefix")
	cmd.MarkFlagRequired("dest")
	return cmd
}

func newPruneCmd() *cobra.Command {
	var (
		dest    string
		product string
		keep    int
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest N backup sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := retention.Prune(dest, product, keep, dryRun)
			if err != nil {
				return err
			}
			plog.Notice("Prune complete", "removed", len(removed), "kept", keep, "dryRun", dryRun)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dest, "dest", "d", "", "destination directory")
	cmd.Flags().StringVar(&product, "product", config.DefaultProduct, "backup set name prefix")
	cmd.Flags().IntVarP(&keep, "keep", "k", 5, "number of backups to keep")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log removals without deleting")
	cmd.MarkFlagRequired("dest")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gv-backup %s (%s)\n", version, commit)
		},
	}
}
