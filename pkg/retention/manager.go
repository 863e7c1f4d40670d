package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ngoyal88/supplierlog/pkg/config"
	"github.com/ngoyal88/supplierlog/pkg/stats"
	"github.com/ngoyal88/supplierlog/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxAgeDays = 90
	DefaultBatchSize  = 500
	DefaultInterval   = 24 * time.Hour

	// MaxAgeDaysLimit bounds the retention window a cleanup accepts.
	MaxAgeDaysLimit = 36500
)

// ErrInvalidMaxAge is returned for a maximum age beyond MaxAgeDaysLimit.
var ErrInvalidMaxAge = errors.New("invalid max age")

var (
	deletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supplierlog_retention_deleted_total",
		Help: "Call logs removed by retention",
	})
	lastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "supplierlog_retention_last_run_timestamp_seconds",
		Help: "Unix time of the last completed cleanup",
	})
)

// Result describes one cleanup run.
type Result struct {
	DeletedCount int       `json:"deleted_count"`
	Cutoff       time.Time `json:"cutoff"`
}

// Manager deletes expired call logs and keeps the statistics consistent.
type Manager struct {
	store storage.Store
	agg   *stats.Aggregator
	cfg   *config.Store
	now   func() time.Time

	// one cleanup at a time
	running sync.Mutex
}

// New creates a Manager. cfg supplies the live retention settings and may
// be nil, in which case the package defaults apply.
func New(store storage.Store, agg *stats.Aggregator, cfg *config.Store) *Manager {
	return &Manager{
		store: store,
		agg:   agg,
		cfg:   cfg,
		now:   time.Now,
	}
}

func (m *Manager) settings() config.RetentionConfig {
	var rc config.RetentionConfig
	if m.cfg != nil {
		if c := m.cfg.Get(); c != nil {
			rc = c.Retention
		}
	}
	if rc.MaxAgeDays <= 0 {
		rc.MaxAgeDays = DefaultMaxAgeDays
	}
	if rc.BatchSize <= 0 {
		rc.BatchSize = DefaultBatchSize
	}
	if rc.Interval <= 0 {
		rc.Interval = DefaultInterval
	}
	return rc
}

// Cleanup deletes every entry older than maxAgeDays. maxAgeDays <= 0 uses
// the configured maximum age. Each batch is removed from the store and the
// statistics together; on error the batches already done stay done.
func (m *Manager) Cleanup(ctx context.Context, maxAgeDays int) (Result, error) {
	m.running.Lock()
	defer m.running.Unlock()

	rc := m.settings()
	if maxAgeDays <= 0 {
		maxAgeDays = rc.MaxAgeDays
	}
	if maxAgeDays > MaxAgeDaysLimit {
		return Result{}, fmt.Errorf("%w: %d days exceeds %d", ErrInvalidMaxAge, maxAgeDays, MaxAgeDaysLimit)
	}
	cutoff := m.now().UTC().AddDate(0, 0, -maxAgeDays)
	res := Result{Cutoff: cutoff}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		n, err := m.agg.Evict(func() ([]*storage.APICallLog, error) {
			return m.store.DeleteCallLogsBefore(ctx, cutoff, rc.BatchSize)
		})
		res.DeletedCount += n
		deletedTotal.Add(float64(n))
		if err != nil {
			log.Errorf("[retention] batch failed after %d deletions: %v", res.DeletedCount, err)
			return res, err
		}
		if n < rc.BatchSize {
			break
		}
	}

	lastRunTimestamp.SetToCurrentTime()
	log.Infof("[retention] removed %d call logs older than %s", res.DeletedCount, cutoff.Format(time.RFC3339))
	return res, nil
}

// Run cleans up on the configured interval until ctx ends. Settings are
// re-read before every run so config reloads apply without a restart.
func (m *Manager) Run(ctx context.Context) {
	for {
		rc := m.settings()
		timer := time.NewTimer(rc.Interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("[retention] scheduler stopped")
			return
		case <-timer.C:
		}

		if m.cfg != nil {
			if c := m.cfg.Get(); c != nil && !c.Retention.Enabled {
				continue
			}
		}
		if _, err := m.Cleanup(ctx, 0); err != nil && ctx.Err() == nil {
			log.Errorf("[retention] scheduled cleanup failed: %v", err)
		}
	}
}
