package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/log"
	"github.com/flowforge/orchestrator/internal/merge"
)

// newMergeDriverCommand implements the git merge driver invocation:
// `--base=<path> --ours=<path> --theirs=<path>`. Exit 0 writes the merged
// result to ours; exit 1 logs the failure to the driver log and leaves
// ours untouched.
func newMergeDriverCommand() *cobra.Command {
	var basePath, oursPath, theirsPath string

	cmd := &cobra.Command{
		Use:   "merge-driver",
		Short: "Git merge driver for JSONL entity files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefault(cmd)
			logger := log.New(log.FromEnv())

			driver := merge.NewDriver(logger)
			_, err := driver.Merge(basePath, oursPath, theirsPath)
			if err != nil {
				appendDriverLog(cfg.MergeDriverLogPath, oursPath, basePath, oursPath, theirsPath, err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&basePath, "base", "", "path to the common ancestor revision (%O)")
	cmd.Flags().StringVar(&oursPath, "ours", "", "path to our revision (%A); overwritten with the merge result")
	cmd.Flags().StringVar(&theirsPath, "theirs", "", "path to their revision (%B)")
	cmd.MarkFlagRequired("ours")
	cmd.MarkFlagRequired("theirs")

	return cmd
}

// newResolveConflictsCommand exposes the merge engine's manual resolver
// for a file git left with conflict markers in place after an automatic
// merge driver declined to run (e.g. outside a configured merge=
// attribute).
func newResolveConflictsCommand() *cobra.Command {
	var repoDir string

	cmd := &cobra.Command{
		Use:   "resolve-conflicts <path>",
		Short: "Manually resolve JSONL conflict markers left in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			path := args[0]

			var repo *merge.GitRepo
			if repoDir != "" {
				repo = merge.NewGitRepo(repoDir)
			}
			resolver := merge.NewResolver(repo, logger)
			_, err := resolver.ResolveFile(cmd.Context(), path)
			return err
		},
	}
	cmd.Flags().StringVar(&repoDir, "repo", "", "git repository to read conflicted index stages from (falls back to marker-only two-way merge if unset)")
	return cmd
}

func loadConfigOrDefault(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Default()
	}
	return cfg
}

// driverLogMaxSize caps the driver log before it is rotated aside to
// <path>.1, keeping at most one previous generation.
const driverLogMaxSize = 1 << 20

func appendDriverLog(logPath, target, base, ours, theirs string, mergeErr error) {
	if info, err := os.Stat(logPath); err == nil && info.Size() >= driverLogMaxSize {
		if err := os.Rename(logPath, logPath+".1"); err != nil {
			slog.Default().Warn("merge driver: rotating driver log failed", "path", logPath, "error", err)
		}
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Default().Error("merge driver: failed to open driver log", "path", logPath, "error", err)
		return
	}
	defer f.Close()

	line := fmt.Sprintf("%s target=%s base=%s ours=%s theirs=%s error=%q\n",
		time.Now().UTC().Format(time.RFC3339Nano), target, base, ours, theirs, mergeErr.Error())
	if _, err := f.WriteString(line); err != nil {
		slog.Default().Error("merge driver: failed to append driver log", "path", logPath, "error", err)
	}
}
