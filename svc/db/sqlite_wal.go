package db

import (
	"context"
	"keydrop/svc/util"
	"time"

	"github.com/pkg/errors"
)

const (
	truncateAfterPages = 1000
	checkpointInterval = 5 * time.Minute
	integrityTimeout   = 30 * time.Second
)

// StartWALMaintenance checkpoints the WAL until quit is closed, then runs a
// final checkpoint.
func (s *SQLite) StartWALMaintenance(quit <-chan struct{}) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Checkpoint(context.Background()); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-quit:
			if err := s.Checkpoint(context.Background()); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return
		}
	}
}

// Checkpoint runs a PASSIVE checkpoint, escalating to TRUNCATE when the log
// has grown or readers held pages back, then verifies integrity.
func (s *SQLite) Checkpoint(ctx context.Context) error {
	start := time.Now()
	busy, logPages, done, err := s.walCheckpoint(ctx, "PASSIVE")
	if err != nil {
		return err
	}
	util.Debug().Int("busy", busy).Int("log", logPages).Int("checkpointed", done).Msg("PASSIVE checkpoint result")
	if logPages > truncateAfterPages || busy > 0 {
		util.Info().Msg("escalating to TRUNCATE checkpoint")
		busy, logPages, done, err = s.walCheckpoint(ctx, "TRUNCATE")
		if err != nil {
			return err
		}
		util.Info().Int("busy", busy).Int("log", logPages).Int("checkpointed", done).Msg("TRUNCATE checkpoint result")
	}
	if err := s.verifyIntegrity(ctx); err != nil {
		util.Error().Err(err).Msg("CRITICAL: database integrity check failed after checkpoint")
		return err
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func (s *SQLite) walCheckpoint(ctx context.Context, mode string) (busy, logPages, done int, err error) {
	err = s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint("+mode+")").Scan(&busy, &logPages, &done)
	return busy, logPages, done, errors.Wrapf(err, "%s checkpoint", mode)
}

func (s *SQLite) verifyIntegrity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, integrityTimeout)
	defer cancel()
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return errors.Wrap(err, "quick_check query failed")
	}
	if result != "ok" {
		return errors.Errorf("quick_check returned: %s", result)
	}
	return nil
}
