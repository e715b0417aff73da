package svc

import (
	"context"
	"keydrop/metrics"
	"keydrop/svc/util"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Lease keeps replicas from sweeping at the same instant.
type Lease interface {
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLease(ctx context.Context, name, token string) error
}

const (
	sweepLeaseName = "expiry-sweep"
	maxSweepRounds = 1000
)

// CleanupExpired deletes every paste whose expiry has passed, blobs first,
// then file rows, then the paste row, and finally reaps file rows whose
// parent is already gone. It returns the number of pastes this call removed,
// so a second run with nothing newly expired returns 0.
func (p *Paste) CleanupExpired(ctx context.Context) (int, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.opWg.Done()
	metrics.SweepRuns.Inc()

	now := p.now()
	batch := p.cfg.SweepBatchSize
	if batch <= 0 {
		batch = 100
	}
	deleted := 0
	for round := 0; round < maxSweepRounds; round++ {
		expired, err := p.store.ExpiredPastes(ctx, now, batch)
		if err != nil {
			return deleted, errors.Wrap(err, "list expired")
		}
		if len(expired) == 0 {
			break
		}
		ids := make([]string, 0, len(expired))
		for _, e := range expired {
			for _, f := range e.Files {
				if err := p.blobs.Remove(ctx, f.StoragePath); err != nil {
					return deleted, errors.Wrapf(err, "remove blob of %s", util.RedactKey(e.Key))
				}
			}
			ids = append(ids, e.ID)
		}
		n, err := p.store.DeletePastes(ctx, ids, now)
		if err != nil {
			return deleted, errors.Wrap(err, "delete expired")
		}
		deleted += n
		metrics.SweepDeleted.Add(float64(n))
		if len(expired) < batch {
			break
		}
	}

	reaped, err := p.reapOrphans(ctx, batch)
	if err != nil {
		return deleted, err
	}
	if deleted > 0 || reaped > 0 {
		util.Ctx(ctx).Info().Int("deleted", deleted).Int("orphans", reaped).Msg("expiry sweep completed")
	}
	return deleted, nil
}

func (p *Paste) reapOrphans(ctx context.Context, batch int) (int, error) {
	orphans, err := p.store.OrphanFiles(ctx, batch)
	if err != nil {
		return 0, errors.Wrap(err, "list orphans")
	}
	reaped := 0
	for _, f := range orphans {
		if err := p.blobs.Remove(ctx, f.StoragePath); err != nil {
			util.Ctx(ctx).Warn().Err(err).Str("file_id", f.ID).Msg("failed to remove orphan blob")
			continue
		}
		if err := p.store.DeleteFile(ctx, f.ID); err != nil {
			util.Ctx(ctx).Warn().Err(err).Str("file_id", f.ID).Msg("failed to delete orphan row")
			continue
		}
		reaped++
	}
	metrics.OrphansReaped.Add(float64(reaped))
	return reaped, nil
}

// Cleaner runs CleanupExpired on a ticker.
type Cleaner struct {
	paste    *Paste
	lease    Lease
	interval time.Duration
	running  atomic.Bool
}

// NewCleaner builds a sweeper; lease may be nil for a single replica.
func NewCleaner(p *Paste, lease Lease, interval time.Duration) *Cleaner {
	return &Cleaner{paste: p, lease: lease, interval: interval}
}

func (c *Cleaner) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("cleaner already running")
	}
	go c.run(ctx)
	return nil
}

func (c *Cleaner) run(ctx context.Context) {
	defer c.running.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", c.interval).
		Bool("leased", c.lease != nil).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs one sweep unless another replica holds the lease.
func (c *Cleaner) sweepOnce(ctx context.Context) {
	if c.lease != nil {
		token, ok, err := c.lease.AcquireLease(ctx, sweepLeaseName, c.interval)
		if err != nil {
			util.Ctx(ctx).Warn().Err(err).Msg("sweep lease unavailable, sweeping anyway")
		} else if !ok {
			util.Ctx(ctx).Debug().Msg("sweep lease held elsewhere")
			return
		} else {
			defer func() {
				if err := c.lease.ReleaseLease(context.WithoutCancel(ctx), sweepLeaseName, token); err != nil {
					util.Ctx(ctx).Warn().Err(err).Msg("failed to release sweep lease")
				}
			}()
		}
	}
	if _, err := c.paste.CleanupExpired(ctx); err != nil {
		util.Ctx(ctx).Error().Err(err).Msg("cleanup failed")
	}
}
