package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrAlreadySaved = errors.New("result already saved for this room")
var ErrRunNotFound = errors.New("run not found")
var ErrRunCompleted = errors.New("run already completed")

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// SingleRun is one single-play attempt. ClearTimeMs is set once the run completes.
type SingleRun struct {
	ID          string `gorm:"primaryKey;type:uuid"`
	UserID      string `gorm:"index;not null"`
	StartedAt   time.Time
	CompletedAt *time.Time
	ClearTimeMs *int64
}

// PlanetSave is the winning image of a multiplayer room. A room has at most one.
type PlanetSave struct {
	ID          string `gorm:"primaryKey;type:uuid"`
	RoomID      string `gorm:"uniqueIndex;not null"`
	UserID      string `gorm:"index;not null"`
	ImageURL    string `gorm:"not null"`
	Title       string
	ClearTimeMs int64
	CreatedAt   time.Time
}

func (r *SingleRun) complete(at time.Time, clearTime time.Duration) error {
	if r.CompletedAt != nil {
		return ErrRunCompleted
	}
	ms := clearTime.Milliseconds()
	r.CompletedAt, r.ClearTimeMs = &at, &ms
	return nil
}

type Store struct {
	db    *gorm.DB
	newID func() string
	now   func() time.Time
}

// Open connects to postgres. GORM's own logging is silenced; callers log failures.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, newID: uuid.NewString, now: time.Now}
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&SingleRun{}, &PlanetSave{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) StartRun(ctx context.Context, userID string) (SingleRun, error) {
	run := SingleRun{ID: s.newID(), UserID: userID, StartedAt: s.now()}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return SingleRun{}, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// CompleteRun records the clear time of a run owned by userID. A run completes once.
func (s *Store) CompleteRun(ctx context.Context, userID, runID string, clearTime time.Duration) (SingleRun, error) {
	var run SingleRun
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ?", runID, userID).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRunNotFound
			}
			return err
		}
		if err := run.complete(s.now(), clearTime); err != nil {
			return err
		}
		return tx.Model(&run).Updates(map[string]any{"completed_at": *run.CompletedAt, "clear_time_ms": *run.ClearTimeMs}).Error
	})
	if err != nil {
		return SingleRun{}, fmt.Errorf("complete run: %w", err)
	}
	return run, nil
}

func (s *Store) SavePlanet(ctx context.Context, save PlanetSave) (PlanetSave, error) {
	save.ID = s.newID()
	save.CreatedAt = s.now()
	if err := s.db.WithContext(ctx).Create(&save).Error; err != nil {
		return PlanetSave{}, fmt.Errorf("save to planet: %w", mapCreateError(err))
	}
	return save, nil
}

func mapCreateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadySaved
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadySaved
	}
	return err
}
