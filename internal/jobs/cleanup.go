package jobs

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/chatnationwork/analytics-sub002/internal/events"
)

// CleanupJob removes dead letters older than the retention period.
type CleanupJob struct {
	db            *gorm.DB
	logger        *slog.Logger
	retentionDays int
	batchSize     int
}

func NewCleanupJob(db *gorm.DB, logger *slog.Logger, retentionDays int) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		retentionDays: retentionDays,
		batchSize:     1000,
	}
}

// Run deletes old dead letters in batches. A retention of zero keeps everything.
func (j *CleanupJob) Run(ctx context.Context) error {
	if j.retentionDays <= 0 {
		return nil
	}

	db := j.db.WithContext(ctx)
	cutoffDate := time.Now().AddDate(0, 0, -j.retentionDays)

	var countToDelete int64
	if err := db.Model(&events.DeadLetter{}).
		Where("created_at < ?", cutoffDate).
		Count(&countToDelete).Error; err != nil {
		j.logger.Error("Failed to count old dead letters", slog.Any("error", err))
		return err
	}

	if countToDelete == 0 {
		j.logger.Debug("No old dead letters to clean up")
		return nil
	}

	// Delete in batches to avoid locking the database for too long
	totalDeleted := int64(0)
	for {
		var ids []uint
		if err := db.Model(&events.DeadLetter{}).
			Where("created_at < ?", cutoffDate).
			Limit(j.batchSize).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}

		result := db.Delete(&events.DeadLetter{}, ids)
		if result.Error != nil {
			j.logger.Error("Failed to delete old dead letters",
				slog.Any("error", result.Error),
				slog.Int64("deleted_so_far", totalDeleted))
			return result.Error
		}
		totalDeleted += result.RowsAffected

		if len(ids) < j.batchSize {
			break
		}
	}

	j.logger.Info("Cleaned up old dead letters",
		slog.Int64("deleted_count", totalDeleted),
		slog.Int("retention_days", j.retentionDays))
	return nil
}
