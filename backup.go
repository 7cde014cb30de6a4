package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tgvault/tgvault/internal/backup"
	"github.com/tgvault/tgvault/internal/media"
	"github.com/tgvault/tgvault/internal/telegram"
)

var (
	flagAll     bool
	flagLimit   int
	flagNoMedia bool
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup [entity-id...]",
		Short: "Archive messages and media for the given entities",
		Long: "Mirrors chat history into the backup directory. With --all, every " +
			"visible conversation is archived; otherwise pass entity ids.",
		RunE: runBackup,
	}

	cmd.Flags().BoolVar(&flagAll, "all", false, "archive every visible conversation")
	cmd.Flags().IntVar(&flagLimit, "limit", 0, "max messages per entity (0 = all)")
	cmd.Flags().BoolVar(&flagNoMedia, "no-media", false, "archive text and metadata only")

	return cmd
}

func runBackup(cmd *cobra.Command, args []string) error {
	if !flagAll && len(args) == 0 {
		return fmt.Errorf("backup: pass entity ids or --all")
	}

	logger := buildLogger()
	cfg := resolvedCfg

	// Interrupt cleanly: in-flight partial files are removed and the
	// index stays consistent to the last committed message.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return fmt.Errorf("backup: creating backup dir: %w", err)
	}

	client, err := telegram.DialSession(ctx, cfg.APIID, cfg.APIHash)
	if err != nil {
		return err
	}
	defer client.Close()

	entities, err := selectEntities(ctx, client, args)
	if err != nil {
		return err
	}

	algo := media.Algorithm(cfg.HashAlgorithm)

	pipeline := backup.NewPipeline(client, cfg.BackupDir, algo, backup.ExecutorOptions{
		Workers:     cfg.MaxConcurrentDownloads,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
		MaxFileSize: cfg.MaxFileSize,
	}, logger)
	pipeline.Progress = progressReporter()

	stats, err := pipeline.Run(ctx, entities, backup.Options{
		Limit:      flagLimit,
		NoMedia:    flagNoMedia,
		BatchSize:  cfg.DownloadBatchSize,
		BatchBytes: cfg.DownloadBatchBytes,
	})
	if stats != nil {
		fmt.Fprintln(cmd.OutOrStdout(), stats.Summary())
	}

	return err
}

// selectEntities resolves the command arguments against the visible
// dialogs. Unknown ids fail the command before any work starts.
func selectEntities(ctx context.Context, client telegram.Client, args []string) ([]telegram.Entity, error) {
	dialogs, err := client.Dialogs(ctx)
	if err != nil {
		return nil, err
	}

	if flagAll {
		return dialogs, nil
	}

	byID := make(map[int64]telegram.Entity, len(dialogs))
	for _, e := range dialogs {
		byID[e.ID] = e
	}

	entities := make([]telegram.Entity, 0, len(args))

	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("backup: invalid entity id %q", arg)
		}

		e, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("backup: no visible entity with id %d", id)
		}

		entities = append(entities, e)
	}

	return entities, nil
}
