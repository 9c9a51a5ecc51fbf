package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stagehand-ai/stagehand/types"
	"github.com/stagehand-ai/stagehand/workflow"
)

// runRecord is the relational row for one run. The full RunContext snapshot
// lives in Payload; the indexed columns exist for querying and reporting.
type runRecord struct {
	RunID        string `gorm:"primaryKey;size:36"`
	WorkflowName string `gorm:"index;size:255"`
	Status       string `gorm:"index;size:32"`
	TotalCostUSD float64
	Payload      []byte `gorm:"type:blob"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   time.Time
}

func (runRecord) TableName() string { return "workflow_runs" }

// GormStore is a relational run store. It keeps durable run history across
// restarts and supports sqlite, postgres, and mysql.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore opens the configured database and migrates the run table.
func NewGormStore(cfg DatabaseConfig, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "stagehand.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "open run database").WithCause(err)
	}
	if err := db.AutoMigrate(&runRecord{}); err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "migrate run table").WithCause(err)
	}

	logger.Info("run database initialized", zap.String("driver", cfg.Driver))
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "runstore_gorm")),
	}, nil
}

// Save upserts the run row keyed by run ID.
func (s *GormStore) Save(ctx context.Context, rc *workflow.RunContext) error {
	payload, err := json.Marshal(rc)
	if err != nil {
		return types.NewError(types.ErrInternalError, "marshal run snapshot").WithCause(err)
	}
	rec := runRecord{
		RunID:        rc.RunID,
		WorkflowName: rc.WorkflowName,
		Status:       string(rc.Status),
		TotalCostUSD: rc.TotalCostUSD,
		Payload:      payload,
		CreatedAt:    rc.CreatedAt,
		UpdatedAt:    rc.UpdatedAt,
		FinishedAt:   rc.FinishedAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return types.NewError(types.ErrStorageUnavailable, "save run record").WithCause(err)
	}
	return nil
}

// Load returns the snapshot for runID.
func (s *GormStore) Load(ctx context.Context, runID string) (*workflow.RunContext, error) {
	var rec runRecord
	err := s.db.WithContext(ctx).First(&rec, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrRunNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "load run record").WithCause(err)
	}
	var rc workflow.RunContext
	if err := json.Unmarshal(rec.Payload, &rc); err != nil {
		return nil, types.NewError(types.ErrInternalError, "unmarshal run snapshot").WithCause(err)
	}
	return &rc, nil
}

// ListByStatus returns up to limit runs in the given status, oldest first.
func (s *GormStore) ListByStatus(ctx context.Context, status workflow.RunStatus, limit int) ([]*workflow.RunContext, error) {
	q := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []runRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "list run records").WithCause(err)
	}
	out := make([]*workflow.RunContext, 0, len(recs))
	for _, rec := range recs {
		var rc workflow.RunContext
		if err := json.Unmarshal(rec.Payload, &rc); err != nil {
			continue
		}
		out = append(out, &rc)
	}
	return out, nil
}

// Delete removes a run row.
func (s *GormStore) Delete(ctx context.Context, runID string) error {
	return s.db.WithContext(ctx).Delete(&runRecord{}, "run_id = ?", runID).Error
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

var (
	_ workflow.RunStore = (*GormStore)(nil)
	_ Lister            = (*GormStore)(nil)
)
