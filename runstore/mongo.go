package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/workflow"
)

// Collection names.
const (
	colWorkflowRuns   = "workflow_runs"
	colWorkflowEvents = "workflow_events"
)

// runDocument is the workflow_runs document. Results holds one JSON
// encoded StepResult per stage so the typed outputs survive the round
// trip.
type runDocument struct {
	ID          string            `bson:"_id"`
	Subject     string            `bson:"subject"`
	Status      string            `bson:"status"`
	StartedAt   time.Time         `bson:"started_at"`
	CompletedAt *time.Time        `bson:"completed_at,omitempty"`
	CompletedMS int64             `bson:"completed_ms"`
	Results     map[string]string `bson:"results"`
}

type eventDocument struct {
	ID        bson.ObjectID `bson:"_id"`
	RunID     string        `bson:"run_id"`
	Kind      string        `bson:"event"`
	Stage     string        `bson:"step,omitempty"`
	Payload   string        `bson:"payload"`
	CreatedAt time.Time     `bson:"created_at"`
}

func (d *runDocument) record() (*Record, error) {
	r := &Record{
		RunID:     d.ID,
		Subject:   d.Subject,
		Status:    workflow.WorkflowStatus(d.Status),
		StartedAt: d.StartedAt.UTC(),
		Results:   make(map[workflow.StageName]workflow.StepResult, len(d.Results)),
	}
	if d.CompletedMS > 0 {
		t := time.UnixMilli(d.CompletedMS).UTC()
		r.CompletedAt = &t
	}
	for stage, raw := range d.Results {
		var res workflow.StepResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("decode %s result of %s: %w", stage, d.ID, err)
		}
		r.Results[workflow.StageName(stage)] = res
	}
	return r, nil
}

// MongoStore persists runs in MongoDB. Every record mutation is a single
// conditional document update, so readers never see a torn record.
type MongoStore struct {
	runs   *mongo.Collection
	events *mongo.Collection
	opts   storeOptions
}

// NewMongoStore 基于数据库句柄创建 Mongo 运行存储；调用方负责客户端生命周期
func NewMongoStore(db *mongo.Database, opts ...Option) *MongoStore {
	return &MongoStore{
		runs:   db.Collection(colWorkflowRuns),
		events: db.Collection(colWorkflowEvents),
		opts:   buildOptions("runstore_mongo", opts),
	}
}

// EnsureIndexes creates the listing and event log indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.runs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "completed_ms", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "subject", Value: 1}, {Key: "completed_ms", Value: -1}, {Key: "_id", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create %s indexes: %w", colWorkflowRuns, err)
	}
	_, err = s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create %s indexes: %w", colWorkflowEvents, err)
	}
	return nil
}

func (s *MongoStore) StartRun(ctx context.Context, runID, subject string) error {
	rec := newRecord(runID, subject, s.opts.now())
	doc := runDocument{
		ID:        rec.RunID,
		Subject:   rec.Subject,
		Status:    string(rec.Status),
		StartedAt: rec.StartedAt,
		Results:   map[string]string{},
	}
	_, err := s.runs.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

func (s *MongoStore) RecordEvent(ctx context.Context, event workflow.StreamEvent) error {
	var doc runDocument
	err := s.runs.FindOne(ctx, bson.M{"_id": event.RunID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		s.opts.logger.Debug("dropping event for unknown run",
			zap.String("run_id", event.RunID),
			zap.String("event", string(event.Kind)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("record event for %s: %w", event.RunID, err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	at := s.opts.now()
	_, err = s.events.InsertOne(ctx, eventDocument{
		ID:        bson.NewObjectID(),
		RunID:     event.RunID,
		Kind:      string(event.Kind),
		Stage:     string(event.Stage),
		Payload:   string(payload),
		CreatedAt: at,
	})
	if err != nil {
		return fmt.Errorf("append event for %s: %w", event.RunID, err)
	}

	// 仅未完成的运行会被更新
	filter := bson.M{"_id": event.RunID, "completed_ms": int64(0)}
	var update bson.M

	switch event.Kind {
	case workflow.EventStepComplete:
		if event.Result == nil || !event.Stage.Valid() {
			return nil
		}
		raw, err := json.Marshal(event.Result)
		if err != nil {
			return fmt.Errorf("marshal step result: %w", err)
		}
		field := "results." + string(event.Stage)
		filter[field] = bson.M{"$exists": false}
		update = bson.M{"$set": bson.M{field: string(raw)}}

	case workflow.EventWorkflowComplete:
		status := workflow.WorkflowStatus(event.Status)
		if !status.IsTerminal() {
			status = workflow.WorkflowPartial
		}
		update = bson.M{"$set": bson.M{
			"status":       string(status),
			"completed_at": at,
			"completed_ms": at.UnixMilli(),
		}}

	default:
		return nil
	}

	if _, err := s.runs.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("update run %s: %w", event.RunID, err)
	}
	return nil
}

func (s *MongoStore) GetRun(ctx context.Context, runID string) (*Record, error) {
	var doc runDocument
	err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return doc.record()
}

func (s *MongoStore) ListRuns(ctx context.Context, opts ListOptions) (*Page, error) {
	q, err := opts.validate()
	if err != nil {
		return nil, err
	}

	filter := bson.M{"completed_ms": bson.M{"$gt": int64(0)}}
	if q.subject != "" {
		filter["subject"] = q.subject
	}
	if q.cursor != nil {
		ms := q.cursor.CompletedAt.UnixMilli()
		filter["$or"] = bson.A{
			bson.M{"completed_ms": bson.M{"$lt": ms}},
			bson.M{"completed_ms": ms, "_id": bson.M{"$lt": q.cursor.RunID}},
		}
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "completed_ms", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(q.limit)).
		SetProjection(bson.M{"results": 0})

	cur, err := s.runs.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer cur.Close(ctx)

	var docs []runDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list runs decode: %w", err)
	}

	rows := make([]RunSummary, 0, len(docs))
	for i := range docs {
		rec, err := docs[i].record()
		if err != nil {
			return nil, err
		}
		rows = append(rows, rec.Summary())
	}
	return q.page(rows), nil
}

func (s *MongoStore) GetEvents(ctx context.Context, runID string) ([]EventRecord, error) {
	n, err := s.runs.CountDocuments(ctx, bson.M{"_id": runID})
	if err != nil {
		return nil, fmt.Errorf("get events %s: %w", runID, err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	cur, err := s.events.Find(ctx, bson.M{"run_id": runID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("get events %s: %w", runID, err)
	}
	defer cur.Close(ctx)

	var docs []eventDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("get events decode: %w", err)
	}

	events := make([]EventRecord, 0, len(docs))
	for _, d := range docs {
		var ev workflow.StreamEvent
		if err := json.Unmarshal([]byte(d.Payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", d.ID.Hex(), err)
		}
		events = append(events, EventRecord{Timestamp: d.CreatedAt.UTC(), Event: ev})
	}
	return events, nil
}

// Close is a no-op; the caller owns the client.
func (s *MongoStore) Close() error {
	return nil
}

var _ Store = (*MongoStore)(nil)
