package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBStatsCollector samples connection statistics of the identity pool and
// the leaf store handle.
type DBStatsCollector struct {
	pgxPool *pgxpool.Pool
	sqlDB   *sql.DB
	logger  *slog.Logger
	stopCh  chan struct{}
	once    sync.Once
}

// NewDBStatsCollector creates a new database stats collector
func NewDBStatsCollector(pgxPool *pgxpool.Pool, sqlDB *sql.DB, logger *slog.Logger) *DBStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStatsCollector{
		pgxPool: pgxPool,
		sqlDB:   sqlDB,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting database statistics at regular intervals
func (c *DBStatsCollector) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()

	c.logger.Info("database stats collector started", "interval", interval)
}

// Stop stops the database stats collector. Safe to call more than once.
func (c *DBStatsCollector) Stop() {
	c.once.Do(func() {
		close(c.stopCh)
		c.logger.Info("database stats collector stopped")
	})
}

// collect sums both handles; they share one database.
func (c *DBStatsCollector) collect() {
	var open, inUse, idle, maxOpen float64

	if c.pgxPool != nil {
		stat := c.pgxPool.Stat()
		open += float64(stat.TotalConns())
		inUse += float64(stat.AcquiredConns())
		idle += float64(stat.IdleConns())
		maxOpen += float64(stat.MaxConns())
	}

	if c.sqlDB != nil {
		stats := c.sqlDB.Stats()
		open += float64(stats.OpenConnections)
		inUse += float64(stats.InUse)
		idle += float64(stats.Idle)
		maxOpen += float64(stats.MaxOpenConnections)
	}

	DBConnectionsOpen.Set(open)
	DBConnectionsInUse.Set(inUse)
	DBConnectionsIdle.Set(idle)
	DBConnectionsMaxOpen.Set(maxOpen)
}

// RecordQueryDuration records the duration of a database query
func RecordQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TimeQuery is a helper function to time database queries
// Usage: defer metrics.TimeQuery("create_leaf")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		RecordQueryDuration(operation, time.Since(start))
	}
}

// PingDatabase checks database connectivity and records the result
func PingDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	start := time.Now()
	err := pool.Ping(ctx)
	RecordQueryDuration("ping", time.Since(start))
	return err
}
