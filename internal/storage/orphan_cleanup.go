package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/welldanyogia/leafmail/internal/config"
)

// LeafMediaPrefix is the key prefix every leaf media object is stored under
const LeafMediaPrefix = "leaves/"

// OrphanCleanupConfig holds configuration for the orphan cleanup job
type OrphanCleanupConfig struct {
	Interval     time.Duration // Interval between cleanup runs
	AgeThreshold time.Duration // Objects younger than this are never touched
	BatchSize    int           // Keys checked and deleted per batch
	Enabled      bool
}

// DefaultOrphanCleanupConfig returns default configuration
func DefaultOrphanCleanupConfig() OrphanCleanupConfig {
	return OrphanCleanupConfig{
		Interval:     24 * time.Hour,
		AgeThreshold: 7 * 24 * time.Hour,
		BatchSize:    1000,
		Enabled:      true,
	}
}

// OrphanCleanupConfigFrom builds the job configuration from storage settings
func OrphanCleanupConfigFrom(cfg *config.StorageConfig) OrphanCleanupConfig {
	c := DefaultOrphanCleanupConfig()
	c.Enabled = cfg.CleanupEnabled
	if cfg.CleanupInterval > 0 {
		c.Interval = cfg.CleanupInterval
	}
	if cfg.CleanupMinAge > 0 {
		c.AgeThreshold = cfg.CleanupMinAge
	}
	return c
}

// StorageKeyChecker reports which storage keys are referenced by a leaf
type StorageKeyChecker interface {
	BatchExistsInDatabase(ctx context.Context, storageKeys []string) (map[string]bool, error)
}

// ObjectInfo describes one stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Bucket is the storage surface the cleanup job needs
type Bucket interface {
	ListObjects(ctx context.Context, prefix string, fn func([]ObjectInfo) error) error
	DeleteByKeys(ctx context.Context, keys []string) (int, error)
}

// ListObjects pages through every object under prefix
func (s *StorageService) ListObjects(ctx context.Context, prefix string, fn func([]ObjectInfo) error) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}

		objects := make([]ObjectInfo, 0, len(page.Contents))
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			objects = append(objects, ObjectInfo{
				Key:          *obj.Key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if err := fn(objects); err != nil {
			return err
		}
	}
	return nil
}

// OrphanCleanupJob removes leaf media that no leaf references, such as
// uploads left behind when a leaf insert failed.
type OrphanCleanupJob struct {
	bucket     Bucket
	keyChecker StorageKeyChecker
	config     OrphanCleanupConfig
	logger     *slog.Logger
	now        func() time.Time

	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	lastRun    time.Time
	lastResult *CleanupResult
}

// CleanupResult holds the result of a cleanup run
type CleanupResult struct {
	StartTime      time.Time
	EndTime        time.Time
	FilesScanned   int
	OrphansFound   int
	OrphansDeleted int
	BytesFreed     int64
	Errors         []string
}

// NewOrphanCleanupJob creates a new orphan cleanup job
func NewOrphanCleanupJob(bucket Bucket, keyChecker StorageKeyChecker, config OrphanCleanupConfig, logger *slog.Logger) *OrphanCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	return &OrphanCleanupJob{
		bucket:     bucket,
		keyChecker: keyChecker,
		config:     config,
		logger:     logger.With("component", "orphan_cleanup"),
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup job
func (j *OrphanCleanupJob) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("cleanup job is already running")
	}

	if !j.config.Enabled {
		j.logger.Info("orphan cleanup job is disabled")
		return nil
	}

	j.running = true
	j.stopChan = make(chan struct{})
	j.wg.Add(1)

	go j.run()

	j.logger.Info("orphan cleanup job started",
		"interval", j.config.Interval,
		"age_threshold", j.config.AgeThreshold,
	)
	return nil
}

// Stop stops the periodic cleanup job
func (j *OrphanCleanupJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("orphan cleanup job stopped")
}

// IsRunning returns whether the cleanup job is running
func (j *OrphanCleanupJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// GetLastResult returns the result of the last cleanup run
func (j *OrphanCleanupJob) GetLastResult() *CleanupResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastResult
}

func (j *OrphanCleanupJob) run() {
	defer j.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-j.stopChan
		cancel()
	}()

	j.runScheduled(ctx)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.runScheduled(ctx)
		case <-j.stopChan:
			return
		}
	}
}

func (j *OrphanCleanupJob) runScheduled(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	result := j.RunNow(ctx)
	j.logger.Info("orphan cleanup completed",
		"scanned", result.FilesScanned,
		"found", result.OrphansFound,
		"deleted", result.OrphansDeleted,
		"bytes_freed", result.BytesFreed,
		"errors", len(result.Errors),
		"duration", result.EndTime.Sub(result.StartTime),
	)
}

// RunNow performs a single cleanup pass
func (j *OrphanCleanupJob) RunNow(ctx context.Context) *CleanupResult {
	result := &CleanupResult{StartTime: j.now()}
	cutoff := result.StartTime.Add(-j.config.AgeThreshold)

	var pending []ObjectInfo
	flush := func() {
		if len(pending) == 0 {
			return
		}
		orphans, err := j.checkBatchForOrphans(ctx, pending)
		pending = pending[:0]
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}
		result.OrphansFound += len(orphans)
		j.deleteOrphans(ctx, orphans, result)
	}

	err := j.bucket.ListObjects(ctx, LeafMediaPrefix, func(objects []ObjectInfo) error {
		for _, obj := range objects {
			result.FilesScanned++
			if obj.LastModified.After(cutoff) {
				continue
			}
			pending = append(pending, obj)
			if len(pending) >= j.config.BatchSize {
				flush()
			}
		}
		return ctx.Err()
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("error listing objects: %v", err))
	}
	flush()

	result.EndTime = j.now()

	j.mu.Lock()
	j.lastRun = result.StartTime
	j.lastResult = result
	j.mu.Unlock()

	return result
}

// checkBatchForOrphans returns the objects no leaf references
func (j *OrphanCleanupJob) checkBatchForOrphans(ctx context.Context, objects []ObjectInfo) ([]ObjectInfo, error) {
	keys := make([]string, len(objects))
	for i, o := range objects {
		keys[i] = o.Key
	}

	existsMap, err := j.keyChecker.BatchExistsInDatabase(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to check database: %w", err)
	}

	var orphans []ObjectInfo
	for _, o := range objects {
		if !existsMap[o.Key] {
			orphans = append(orphans, o)
		}
	}
	return orphans, nil
}

func (j *OrphanCleanupJob) deleteOrphans(ctx context.Context, orphans []ObjectInfo, result *CleanupResult) {
	if len(orphans) == 0 {
		return
	}

	keys := make([]string, len(orphans))
	var size int64
	for i, o := range orphans {
		keys[i] = o.Key
		size += o.Size
	}

	deleted, err := j.bucket.DeleteByKeys(ctx, keys)
	result.OrphansDeleted += deleted
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to delete orphans: %v", err))
		return
	}
	if deleted == len(orphans) {
		result.BytesFreed += size
	}
}

// GetConfig returns the current configuration
func (j *OrphanCleanupJob) GetConfig() OrphanCleanupConfig {
	return j.config
}

// FormatStorageKey removes leading slashes from a storage key
func FormatStorageKey(key string) string {
	return strings.TrimLeft(key, "/")
}
