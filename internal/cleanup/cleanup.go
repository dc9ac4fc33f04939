package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/braxtechnologies/appstation/internal/logctx"
	"github.com/braxtechnologies/appstation/internal/store"
)

// DeleteExpiredArtifacts removes downloaded archives older than keepDuration
// from dir. Artifacts referenced by an active job row are never touched, and
// already-deleted files are not an error. Stale transfer leftovers (.part
// files and .extract dirs) are collected regardless of age once orphaned.
func DeleteExpiredArtifacts(ctx context.Context, jobs store.JobRepository, dir string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	active, err := activePaths(ctx, jobs)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if active[path] {
			continue
		}

		// Orphaned partial downloads and extraction dirs have no owning job
		// left; their age does not matter.
		if strings.HasSuffix(entry.Name(), ".part") || strings.HasSuffix(entry.Name(), ".extract") {
			if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete leftover", "file", path, "err", err)

				return err
			}

			logger.Info("deleted orphaned leftover", "file", path)

			continue
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("failed to stat file", "file", path, "err", err)

			return err
		}

		if now.Sub(info.ModTime()) > keepDuration {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete expired artifact", "file", path, "err", err)

				return err
			}

			logger.Info("deleted expired artifact", "file", path)
		}
	}

	return nil
}

// activePaths collects every on-disk path an in-flight job may be using.
func activePaths(ctx context.Context, jobs store.JobRepository) (map[string]bool, error) {
	rows, err := jobs.List(ctx)
	if err != nil {
		return nil, err
	}

	active := make(map[string]bool, len(rows))

	for _, job := range rows {
		if job.LocalPath == "" {
			continue
		}

		active[job.LocalPath] = true
		active[job.LocalPath+".part"] = true
		active[job.LocalPath+".extract"] = true
	}

	return active, nil
}
