package runstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/types"
	"github.com/BaSui01/analystflow/workflow"
)

// =============================================================================
// 📚 运行存储契约
// =============================================================================

// ErrNotFound is returned by GetRun and GetEvents for a run that was never
// started.
var ErrNotFound = errors.New("run not found")

const (
	// DefaultListLimit is used by callers that do not pass a limit.
	DefaultListLimit = 20

	// MaxListLimit caps a single page.
	MaxListLimit = 200
)

// Store persists run records and their append-only event logs.
//
// Implementations are safe for concurrent use by multiple runs. A reader
// never observes a partially applied event.
type Store interface {
	// StartRun creates the record for runID. An existing record is left
	// untouched.
	StartRun(ctx context.Context, runID, subject string) error

	// RecordEvent appends event to the run's log and folds it into the
	// record. Events for unknown runs are dropped.
	RecordEvent(ctx context.Context, event workflow.StreamEvent) error

	// GetRun returns ErrNotFound for an unknown run.
	GetRun(ctx context.Context, runID string) (*Record, error)

	// ListRuns pages completed runs newest first.
	ListRuns(ctx context.Context, opts ListOptions) (*Page, error)

	// GetEvents returns the ordered log, or ErrNotFound for an unknown run.
	GetEvents(ctx context.Context, runID string) ([]EventRecord, error)

	Close() error
}

// StoreType selects a Store backend.
type StoreType string

const (
	StoreMemory   StoreType = "memory"
	StoreRedis    StoreType = "redis"
	StoreDatabase StoreType = "database"
	StoreMongo    StoreType = "mongo"
)

// =============================================================================
// 📄 记录类型
// =============================================================================

// Record is the current state of one run.
type Record struct {
	RunID       string                                     `json:"workflow_id"`
	Subject     string                                     `json:"ticker"`
	StartedAt   time.Time                                  `json:"started_at"`
	CompletedAt *time.Time                                 `json:"completed_at,omitempty"`
	Status      workflow.WorkflowStatus                    `json:"status"`
	Results     map[workflow.StageName]workflow.StepResult `json:"results"`
}

func newRecord(runID, subject string, at time.Time) *Record {
	return &Record{
		RunID:     runID,
		Subject:   normalizeSubject(subject),
		StartedAt: at,
		Status:    workflow.WorkflowRunning,
		Results:   make(map[workflow.StageName]workflow.StepResult),
	}
}

// Clone returns a copy callers may mutate, step results included.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	out.Results = make(map[workflow.StageName]workflow.StepResult, len(r.Results))
	for k, v := range r.Results {
		out.Results[k] = v.Clone()
	}
	return &out
}

// cloneEvent copies the result an event carries.
func cloneEvent(ev workflow.StreamEvent) workflow.StreamEvent {
	if ev.Result != nil {
		res := ev.Result.Clone()
		ev.Result = &res
	}
	return ev
}

// Summary projects the record onto a listing row.
func (r *Record) Summary() RunSummary {
	s := RunSummary{
		RunID:     r.RunID,
		Subject:   r.Subject,
		Status:    r.Status,
		StartedAt: r.StartedAt,
	}
	if r.CompletedAt != nil {
		s.CompletedAt = *r.CompletedAt
	}
	return s
}

// apply folds event into r. It reports whether r changed and whether the
// event completed the run. A completed record never changes.
func (r *Record) apply(event workflow.StreamEvent, at time.Time) (changed, completed bool) {
	if r.CompletedAt != nil {
		return false, false
	}

	switch event.Kind {
	case workflow.EventStepComplete:
		if event.Result == nil || !event.Stage.Valid() {
			return false, false
		}
		if existing, ok := r.Results[event.Stage]; ok && existing.Status.IsTerminal() {
			return false, false
		}
		if r.Results == nil {
			r.Results = make(map[workflow.StageName]workflow.StepResult)
		}
		r.Results[event.Stage] = event.Result.Clone()
		return true, false

	case workflow.EventWorkflowComplete:
		status := workflow.WorkflowStatus(event.Status)
		if !status.IsTerminal() {
			status = workflow.WorkflowPartial
		}
		r.Status = status
		t := at
		r.CompletedAt = &t
		return true, true
	}
	return false, false
}

// EventRecord is one logged event with its server-side timestamp.
type EventRecord struct {
	Timestamp time.Time
	Event     workflow.StreamEvent
}

// MarshalJSON flattens the event and adds the timestamp field.
func (e EventRecord) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	ts, err := json.Marshal(e.Timestamp)
	if err != nil {
		return nil, err
	}
	fields["timestamp"] = ts
	return json.Marshal(fields)
}

// UnmarshalJSON reverses MarshalJSON.
func (e *EventRecord) UnmarshalJSON(data []byte) error {
	var ts struct {
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &ts); err != nil {
		return err
	}
	var ev workflow.StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	*e = EventRecord{Timestamp: ts.Timestamp, Event: ev}
	return nil
}

// RunSummary is one row of a run listing.
type RunSummary struct {
	RunID       string                  `json:"workflow_id"`
	Subject     string                  `json:"ticker"`
	Status      workflow.WorkflowStatus `json:"status"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
}

// =============================================================================
// 📑 分页
// =============================================================================

// ListOptions filters and positions a listing.
type ListOptions struct {
	Limit   int
	Cursor  string
	Subject string
}

// Page is one listing page. NextCursor is set only when the page is full.
type Page struct {
	Runs       []RunSummary `json:"runs"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// Cursor is the decoded position after the last row of a page.
type Cursor struct {
	CompletedAt time.Time
	RunID       string
}

// EncodeCursor returns the opaque form of c.
func EncodeCursor(c Cursor) string {
	raw := c.CompletedAt.UTC().Format(time.RFC3339Nano) + "|" + c.RunID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque cursor.
func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, fmt.Errorf("malformed cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor time: %w", err)
	}
	return Cursor{CompletedAt: t.UTC(), RunID: id}, nil
}

// After reports whether a row positioned at (completedAt, runID) comes
// after c in newest-first order.
func (c Cursor) After(completedAt time.Time, runID string) bool {
	if completedAt.Before(c.CompletedAt) {
		return true
	}
	return completedAt.Equal(c.CompletedAt) && runID < c.RunID
}

func cursorFor(s RunSummary) string {
	return EncodeCursor(Cursor{CompletedAt: s.CompletedAt, RunID: s.RunID})
}

// listQuery is the validated form of ListOptions.
type listQuery struct {
	limit   int
	cursor  *Cursor
	subject string
}

func (o ListOptions) validate() (listQuery, error) {
	if o.Limit < 1 {
		return listQuery{}, types.NewInvalidRequestError("limit must be at least 1, got %d", o.Limit)
	}
	q := listQuery{limit: o.Limit, subject: normalizeSubject(o.Subject)}
	if q.limit > MaxListLimit {
		q.limit = MaxListLimit
	}
	if o.Cursor != "" {
		c, err := DecodeCursor(o.Cursor)
		if err != nil {
			return listQuery{}, types.NewInvalidRequestError("invalid cursor").WithCause(err)
		}
		q.cursor = &c
	}
	return q, nil
}

// page builds a Page from rows already ordered newest first and filtered.
func (q listQuery) page(rows []RunSummary) *Page {
	p := &Page{Runs: rows}
	if p.Runs == nil {
		p.Runs = []RunSummary{}
	}
	if len(p.Runs) == q.limit {
		p.NextCursor = cursorFor(p.Runs[len(p.Runs)-1])
	}
	return p
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// Option configures a Store backend.
type Option func(*storeOptions)

type storeOptions struct {
	logger *zap.Logger
	now    func() time.Time
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(component string, opts []Option) storeOptions {
	o := storeOptions{logger: zap.NewNop(), now: now}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With(zap.String("component", component))
	return o
}

// now returns UTC time at millisecond precision, the finest resolution
// every backend preserves.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func normalizeSubject(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
