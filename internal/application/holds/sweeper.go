package holds

import (
	"context"
	"sort"
	"sync"
	"time"

	"ticketing-backend/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultSweepInterval  = 30 * time.Second
	defaultSweepBatchSize = 500
	sweepLockKey          = "holds:sweeper:lock"
)

// Locker is a cross-process lease. When set on a Sweeper, only the replica
// holding the lease sweeps on a given tick.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Sweeper reclaims active holds whose deadline has passed.
type Sweeper struct {
	Holds     *Service
	Interval  time.Duration
	BatchSize int
	Lock      Locker
	LockTTL   time.Duration

	mu          sync.Mutex
	lastRun     time.Time
	lastCleaned int
}

// SweepStats describes the most recent pass.
type SweepStats struct {
	LastRun     time.Time `json:"lastRun"`
	LastCleaned int       `json:"lastCleaned"`
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (w *Sweeper) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("hold sweeper started")
	w.CleanupExpiredHolds(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("hold sweeper stopped")
			return nil
		case <-ticker.C:
			w.CleanupExpiredHolds(ctx)
		}
	}
}

// CleanupExpiredHolds expires every active hold past its deadline and returns
// how many it reclaimed. It never fails: errors are logged and the remaining
// holds are picked up on the next pass.
func (w *Sweeper) CleanupExpiredHolds(ctx context.Context) int {
	if w.Lock != nil {
		ttl := w.LockTTL
		if ttl <= 0 {
			ttl = defaultSweepInterval
		}
		ok, err := w.Lock.TryLock(ctx, sweepLockKey, ttl)
		if err != nil {
			log.Warn().Err(err).Msg("hold sweeper could not take lease, skipping pass")
			return 0
		}
		if !ok {
			log.Debug().Msg("hold sweeper lease held elsewhere, skipping pass")
			return 0
		}
		defer func() {
			if err := w.Lock.Unlock(context.WithoutCancel(ctx), sweepLockKey); err != nil {
				log.Warn().Err(err).Msg("hold sweeper lease release failed")
			}
		}()
	}

	batch := w.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	total := 0
	for {
		n, err := w.Holds.expireDue(ctx, batch)
		total += n
		if err != nil {
			log.Error().Err(err).Int("cleaned", total).Msg("hold sweep failed, retrying next tick")
			break
		}
		if n < batch {
			break
		}
	}

	w.mu.Lock()
	w.lastRun = w.Holds.now()
	w.lastCleaned = total
	w.mu.Unlock()

	if total > 0 {
		log.Info().Int("cleaned", total).Msg("expired holds reclaimed")
	}
	return total
}

// LastRun returns when the most recent pass finished and how many holds it
// reclaimed. The time is zero before the first pass.
func (w *Sweeper) LastRun() (time.Time, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRun, w.lastCleaned
}

func (w *Sweeper) Stats() SweepStats {
	at, n := w.LastRun()
	return SweepStats{LastRun: at, LastCleaned: n}
}

// expireDue flips up to limit past-deadline holds to expired in a single
// UPDATE, then writes their events and status rows in the same transaction.
// Rows locked by a concurrent release are skipped and left to that release.
func (s *Service) expireDue(ctx context.Context, limit int) (int, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	now := s.now()
	var due []domain.Hold
	var out committed
	err := s.DB.WithContext(sctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND expires_at < ?", domain.HoldActive, now).
			Order("expires_at ASC").
			Limit(limit).
			Find(&due).Error; err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(due))
		for i := range due {
			ids[i] = due[i].HoldID
		}
		if err := tx.Model(&domain.Hold{}).
			Where("hold_id IN ? AND status = ?", ids, domain.HoldActive).
			Update("status", domain.HoldExpired).Error; err != nil {
			return err
		}

		// Zone rows are locked in key order so two sweeps cannot deadlock.
		sort.SliceStable(due, func(i, j int) bool {
			ki, idi := due[i].Target()
			kj, idj := due[j].Target()
			if ki != kj {
				return ki < kj
			}
			return idi < idj
		})
		for i := range due {
			hold := &due[i]
			hold.Status = domain.HoldExpired
			event, err := appendEvent(tx, hold, domain.HoldEventExpired, statusPtr(domain.HoldActive), map[string]interface{}{
				"expiresAt": hold.ExpiresAt,
				"sweptAt":   now,
			})
			if err != nil {
				return err
			}
			zs, err := releaseInventory(tx, hold)
			if err != nil {
				return err
			}
			out.events = append(out.events, event)
			out.updates = append(out.updates, statusUpdate(hold, domain.StatusAvailable, nil, nil, zs))
		}
		return nil
	})
	if err != nil {
		return 0, fail("expire holds", err)
	}
	s.emit(ctx, out)
	return len(due), nil
}
