package service

import (
	"context"
	"sync"
	"time"

	"github.com/deployd/agent/pkg/logger"
)

// EventPruner drops event history older than a cutoff
type EventPruner interface {
	Prune(before time.Time) (int64, error)
}

// BackupRetentionWorker periodically deletes backups past their expiry date
// and, when configured, event history older than eventMaxAge.
type BackupRetentionWorker struct {
	backupService   *BackupService
	cleanupInterval time.Duration

	events      EventPruner
	eventMaxAge time.Duration
	now         func() time.Time

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
	cleanupMutex sync.Mutex // Prevents concurrent cleanup runs
}

// NewBackupRetentionWorker creates a new backup retention worker
func NewBackupRetentionWorker(backupService *BackupService, interval time.Duration) *BackupRetentionWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &BackupRetentionWorker{
		backupService:   backupService,
		cleanupInterval: interval,
		now:             time.Now,
	}
}

// SetEventPruning enables pruning of events older than maxAge. Call before Start.
func (w *BackupRetentionWorker) SetEventPruning(p EventPruner, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	w.events = p
	w.eventMaxAge = maxAge
}

// Start begins the retention worker
func (w *BackupRetentionWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		logger.Warn("BACKUP-RETENTION: Worker already running", nil)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	logger.Info("BACKUP-RETENTION: Starting retention worker", map[string]interface{}{
		"cleanup_interval": w.cleanupInterval.String(),
	})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.cleanupInterval)
		defer ticker.Stop()

		w.runCleanup(ctx)
		for {
			select {
			case <-ticker.C:
				w.runCleanup(ctx)
			case <-ctx.Done():
				logger.Info("BACKUP-RETENTION: Worker stopped", nil)
				return
			}
		}
	}()
}

// Stop halts the retention worker and waits for a running cleanup
func (w *BackupRetentionWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	logger.Info("BACKUP-RETENTION: Stopping retention worker", nil)
	cancel()
	<-done
}

func (w *BackupRetentionWorker) runCleanup(ctx context.Context) {
	if !w.cleanupMutex.TryLock() {
		logger.Warn("BACKUP-RETENTION: Cleanup already in progress, skipping this cycle", nil)
		return
	}
	defer w.cleanupMutex.Unlock()

	startTime := time.Now()
	deletedCount, err := w.backupService.CleanupExpiredBackups(ctx)
	if err != nil {
		logger.Error("BACKUP-RETENTION: Cleanup failed", err, nil)
	} else if deletedCount > 0 {
		logger.Info("BACKUP-RETENTION: Expired backups deleted", map[string]interface{}{
			"deleted_backups": deletedCount,
			"duration_ms":     time.Since(startTime).Milliseconds(),
		})
	}

	if w.events == nil {
		return
	}
	cutoff := w.now().Add(-w.eventMaxAge)
	pruned, err := w.events.Prune(cutoff)
	if err != nil {
		logger.Error("BACKUP-RETENTION: Event pruning failed", err, nil)
		return
	}
	if pruned > 0 {
		logger.Info("BACKUP-RETENTION: Old events pruned", map[string]interface{}{
			"pruned_events": pruned,
			"cutoff":        cutoff.UTC().Format(time.RFC3339),
		})
	}
}
