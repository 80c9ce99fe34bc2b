package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"minutesai/pkg/domain"
)

const (
	migrateLockID int64 = 51873302
	staleDraftAge       = time.Hour
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&MeetingModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// Drafts left behind by a crash mid-persist are resolved to failed.
		// The age cutoff keeps in-flight saves of other replicas untouched.
		if err := tx.Model(&MeetingModel{}).
			Where("status = ? AND updated_at < ?", string(domain.StatusDraft), time.Now().UTC().Add(-staleDraftAge)).
			Updates(map[string]any{
				"status":        string(domain.StatusFailed),
				"error_message": "save error: interrupted before completion",
				"updated_at":    time.Now().UTC(),
			}).Error; err != nil {
			return fmt.Errorf("resolve stale drafts: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateMeeting inserts a meeting with server-assigned timestamps.
func (s *GormStore) CreateMeeting(m domain.Meeting) (domain.Meeting, error) {
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = domain.StatusDraft
	}
	model := meetingToModel(m)
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Meeting{}, err
	}
	return meetingFromModel(model), nil
}

// GetMeeting retrieves a meeting.
func (s *GormStore) GetMeeting(id string) (domain.Meeting, bool, error) {
	var model MeetingModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Meeting{}, false, nil
		}
		return domain.Meeting{}, false, err
	}
	return meetingFromModel(model), true, nil
}

// ListMeetingsByOwner returns meetings of one user, newest first.
func (s *GormStore) ListMeetingsByOwner(ownerID string) ([]domain.Meeting, error) {
	var models []MeetingModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Meeting, 0, len(models))
	for _, m := range models {
		res = append(res, meetingFromModel(m))
	}
	return res, nil
}

// UpdateMeeting applies a patch under a row lock.
func (s *GormStore) UpdateMeeting(id string, patch domain.MeetingPatch) (domain.Meeting, error) {
	var updated domain.Meeting
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model MeetingModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrMeetingNotFound
			}
			return err
		}
		next, err := domain.ApplyPatch(meetingFromModel(model), patch, time.Now().UTC())
		if err != nil {
			return err
		}
		nextModel := meetingToModel(next)
		if err := tx.Model(&MeetingModel{}).Where("id = ?", id).Updates(map[string]any{
			"title":         nextModel.Title,
			"status":        nextModel.Status,
			"audio_key":     nextModel.AudioKey,
			"minutes_key":   nextModel.MinutesKey,
			"error_message": nextModel.ErrorMessage,
			"participants":  nextModel.Participants,
			"updated_at":    nextModel.UpdatedAt,
		}).Error; err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Meeting{}, err
	}
	return updated, nil
}

// SetStatus updates meeting status/error.
func (s *GormStore) SetStatus(id string, status domain.MeetingStatus, errMsg string) error {
	_, err := s.UpdateMeeting(id, domain.MeetingPatch{Status: &status, ErrorMessage: &errMsg})
	return err
}

// DeleteMeeting removes a meeting record. Missing records are not an error.
func (s *GormStore) DeleteMeeting(id string) error {
	return s.db.Delete(&MeetingModel{}, "id = ?", id).Error
}
