package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/tryon/internal/logging"
)

// SessionLog is the persisted telemetry of one finished try-on run.
type SessionLog struct {
	ID                uint      `gorm:"primaryKey"`
	SessionID         string    `gorm:"column:session_id;index;size:64"`
	Generation        uint64    `gorm:"column:generation"`
	OwnerID           string    `gorm:"column:owner_id;index;size:64"`
	StopReason        string    `gorm:"column:stop_reason;size:64"`
	Ticks             int64     `gorm:"column:ticks"`
	Applied           int64     `gorm:"column:applied"`
	Skipped           int64     `gorm:"column:skipped"`
	Discarded         int64     `gorm:"column:discarded"`
	DetectionFailures int64     `gorm:"column:detection_failures"`
	DurationMs        int64     `gorm:"column:duration_ms"`
	Details           string    `gorm:"column:details;type:text"`
	StartedAt         time.Time `gorm:"column:started_at"`
	StoppedAt         time.Time `gorm:"column:stopped_at"`
	CreatedAt         time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (SessionLog) TableName() string {
	return "tryon_session_logs"
}

// MetricsAggregation holds raw aggregates over all session logs.
type MetricsAggregation struct {
	TotalSessions          int64
	TotalTicks             int64
	TotalApplied           int64
	TotalDetectionFailures int64
	AverageDurationMs      float64
	FailureStops           int64
}

// SessionRepository provides persistence APIs for session logs.
type SessionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSessionRepository creates a new repository instance.
func NewSessionRepository(db *gorm.DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:             db,
		logger:         logger.Named("session_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *SessionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SessionLog{})
}

// SaveLog persists a session log entry.
func (r *SessionRepository) SaveLog(ctx context.Context, log *SessionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.SessionID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindLatestBySessionID returns the most recent log of a session.
func (r *SessionRepository) FindLatestBySessionID(ctx context.Context, sessionID string) (*SessionLog, error) {
	var log SessionLog
	err := r.executeWithRetry(ctx, "repository.find_latest", sessionID, func() error {
		return r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("stopped_at desc").First(&log).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes totals over all persisted sessions.
func (r *SessionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalSessions          int64
		TotalTicks             int64
		TotalApplied           int64
		TotalDetectionFailures int64
		AverageDurationMs      float64
		FailureStops           int64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&SessionLog{}).Select(
			"COUNT(*) AS total_sessions, " +
				"COALESCE(SUM(ticks), 0) AS total_ticks, " +
				"COALESCE(SUM(applied), 0) AS total_applied, " +
				"COALESCE(SUM(detection_failures), 0) AS total_detection_failures, " +
				"COALESCE(AVG(duration_ms), 0) AS average_duration_ms, " +
				"COUNT(*) FILTER (WHERE stop_reason = 'persistent_detection_failure') AS failure_stops",
		).Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalSessions:          row.TotalSessions,
		TotalTicks:             row.TotalTicks,
		TotalApplied:           row.TotalApplied,
		TotalDetectionFailures: row.TotalDetectionFailures,
		AverageDurationMs:      row.AverageDurationMs,
		FailureStops:           row.FailureStops,
	}, nil
}

func (r *SessionRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, sessionID)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return logging.NewOperationError(operation, sessionID, err)
		}
		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
