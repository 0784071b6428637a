package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/analystflow/internal/database"
	"github.com/BaSui01/analystflow/workflow"
)

const sqlTxRetries = 3

// =============================================================================
// 🗃️ 表模型
// =============================================================================

// runModel maps workflow_runs. completed_ms is 0 until the run completes
// and drives listing order, so pagination never depends on how a driver
// renders timestamps.
type runModel struct {
	RunID       string     `gorm:"column:run_id;primaryKey;size:64"`
	Subject     string     `gorm:"column:subject;size:32;not null;default:'';index:idx_workflow_runs_subject"`
	Status      string     `gorm:"column:status;size:16;not null"`
	StartedAt   time.Time  `gorm:"column:started_at;not null"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	CompletedMS int64      `gorm:"column:completed_ms;not null;default:0;index:idx_workflow_runs_completed"`
	Results     string     `gorm:"column:results;type:text;not null"`
}

func (runModel) TableName() string { return "workflow_runs" }

// eventModel maps workflow_events; id order is log order.
type eventModel struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	RunID     string    `gorm:"column:run_id;size:64;not null;index:idx_workflow_events_run"`
	Kind      string    `gorm:"column:event;size:32;not null"`
	Stage     string    `gorm:"column:step;size:32;not null;default:''"`
	Payload   string    `gorm:"column:payload;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (eventModel) TableName() string { return "workflow_events" }

func toRunModel(r *Record) (*runModel, error) {
	results, err := json.Marshal(r.Results)
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	m := &runModel{
		RunID:       r.RunID,
		Subject:     r.Subject,
		Status:      string(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Results:     string(results),
	}
	if r.CompletedAt != nil {
		m.CompletedMS = r.CompletedAt.UnixMilli()
	}
	return m, nil
}

func fromRunModel(m *runModel) (*Record, error) {
	r := &Record{
		RunID:     m.RunID,
		Subject:   m.Subject,
		Status:    workflow.WorkflowStatus(m.Status),
		StartedAt: m.StartedAt.UTC(),
		Results:   make(map[workflow.StageName]workflow.StepResult),
	}
	if m.CompletedMS > 0 {
		t := time.UnixMilli(m.CompletedMS).UTC()
		r.CompletedAt = &t
	}
	if m.Results != "" {
		if err := json.Unmarshal([]byte(m.Results), &r.Results); err != nil {
			return nil, fmt.Errorf("decode results of %s: %w", m.RunID, err)
		}
	}
	return r, nil
}

// =============================================================================
// 🗄️ SQLStore
// =============================================================================

// SQLStore persists runs through GORM on postgres, mysql or sqlite. The
// schema is owned by internal/migration; AutoMigrate exists for tests and
// single-node sqlite deployments.
type SQLStore struct {
	pool *database.PoolManager
	opts storeOptions
}

// NewSQLStore 基于连接池创建 SQL 运行存储
func NewSQLStore(pool *database.PoolManager, opts ...Option) *SQLStore {
	return &SQLStore{
		pool: pool,
		opts: buildOptions("runstore_sql", opts),
	}
}

// AutoMigrate creates the run tables from the models.
func (s *SQLStore) AutoMigrate(ctx context.Context) error {
	if err := s.pool.DB().WithContext(ctx).AutoMigrate(&runModel{}, &eventModel{}); err != nil {
		return fmt.Errorf("auto migrate run tables: %w", err)
	}
	return nil
}

func (s *SQLStore) StartRun(ctx context.Context, runID, subject string) error {
	m, err := toRunModel(newRecord(runID, subject, s.opts.now()))
	if err != nil {
		return err
	}
	err = s.pool.DB().WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "run_id"}}, DoNothing: true}).
		Create(m).Error
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

func (s *SQLStore) RecordEvent(ctx context.Context, event workflow.StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = s.pool.WithTransactionRetry(ctx, sqlTxRetries, func(tx *gorm.DB) error {
		var m runModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("run_id = ?", event.RunID).
			Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.opts.logger.Debug("dropping event for unknown run",
				zap.String("run_id", event.RunID),
				zap.String("event", string(event.Kind)))
			return nil
		}
		if err != nil {
			return err
		}

		at := s.opts.now()
		ev := eventModel{
			RunID:     event.RunID,
			Kind:      string(event.Kind),
			Stage:     string(event.Stage),
			Payload:   string(payload),
			CreatedAt: at,
		}
		if err := tx.Create(&ev).Error; err != nil {
			return err
		}

		rec, err := fromRunModel(&m)
		if err != nil {
			return err
		}
		changed, _ := rec.apply(event, at)
		if !changed {
			return nil
		}

		updated, err := toRunModel(rec)
		if err != nil {
			return err
		}
		return tx.Model(&runModel{}).
			Where("run_id = ? AND completed_ms = 0", event.RunID).
			Updates(map[string]any{
				"status":       updated.Status,
				"completed_at": updated.CompletedAt,
				"completed_ms": updated.CompletedMS,
				"results":      updated.Results,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("record event for %s: %w", event.RunID, err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (*Record, error) {
	var m runModel
	err := s.pool.DB().WithContext(ctx).Where("run_id = ?", runID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return fromRunModel(&m)
}

func (s *SQLStore) ListRuns(ctx context.Context, opts ListOptions) (*Page, error) {
	q, err := opts.validate()
	if err != nil {
		return nil, err
	}

	db := s.pool.DB().WithContext(ctx).
		Model(&runModel{}).
		Select("run_id", "subject", "status", "started_at", "completed_ms").
		Where("completed_ms > 0")
	if q.subject != "" {
		db = db.Where("subject = ?", q.subject)
	}
	if q.cursor != nil {
		ms := q.cursor.CompletedAt.UnixMilli()
		db = db.Where("(completed_ms < ? OR (completed_ms = ? AND run_id < ?))", ms, ms, q.cursor.RunID)
	}

	var models []runModel
	err = db.Order("completed_ms DESC").Order("run_id DESC").Limit(q.limit).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	rows := make([]RunSummary, 0, len(models))
	for i := range models {
		m := &models[i]
		rows = append(rows, RunSummary{
			RunID:       m.RunID,
			Subject:     m.Subject,
			Status:      workflow.WorkflowStatus(m.Status),
			StartedAt:   m.StartedAt.UTC(),
			CompletedAt: time.UnixMilli(m.CompletedMS).UTC(),
		})
	}
	return q.page(rows), nil
}

func (s *SQLStore) GetEvents(ctx context.Context, runID string) ([]EventRecord, error) {
	db := s.pool.DB().WithContext(ctx)

	var count int64
	if err := db.Model(&runModel{}).Where("run_id = ?", runID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("get events %s: %w", runID, err)
	}
	if count == 0 {
		return nil, ErrNotFound
	}

	var models []eventModel
	if err := db.Where("run_id = ?", runID).Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("get events %s: %w", runID, err)
	}

	events := make([]EventRecord, 0, len(models))
	for _, m := range models {
		var ev workflow.StreamEvent
		if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", m.ID, err)
		}
		events = append(events, EventRecord{Timestamp: m.CreatedAt.UTC(), Event: ev})
	}
	return events, nil
}

// Close is a no-op; the caller owns the pool.
func (s *SQLStore) Close() error {
	return nil
}

var _ Store = (*SQLStore)(nil)
