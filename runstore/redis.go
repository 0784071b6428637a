package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/workflow"
)

const redisMaxTxRetries = 8

// RedisStore keeps each record as a JSON string, each event log as a list
// and completed runs in sorted sets scored by completion time in
// milliseconds. Ties on the score are ordered by run id, which matches the
// cursor order.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   storeOptions
}

// NewRedisStore 基于 Redis 客户端创建运行存储，prefix 为所有键的前缀
func NewRedisStore(client *redis.Client, prefix string, opts ...Option) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		opts:   buildOptions("runstore_redis", opts),
	}
}

func (s *RedisStore) runKey(runID string) string {
	return s.prefix + "workflow_run:" + runID
}

func (s *RedisStore) eventsKey(runID string) string {
	return s.prefix + "workflow_events:" + runID
}

func (s *RedisStore) indexKey(subject string) string {
	if subject == "" {
		return s.prefix + "workflow_runs:index"
	}
	return s.prefix + "workflow_runs:index:" + subject
}

func (s *RedisStore) StartRun(ctx context.Context, runID, subject string) error {
	data, err := json.Marshal(newRecord(runID, subject, s.opts.now()))
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	if err := s.client.SetNX(ctx, s.runKey(runID), data, 0).Err(); err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

func (s *RedisStore) RecordEvent(ctx context.Context, event workflow.StreamEvent) error {
	runKey := s.runKey(event.RunID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, runKey).Bytes()
		if errors.Is(err, redis.Nil) {
			s.opts.logger.Debug("dropping event for unknown run",
				zap.String("run_id", event.RunID),
				zap.String("event", string(event.Kind)))
			return nil
		}
		if err != nil {
			return err
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode run record: %w", err)
		}

		at := s.opts.now()
		entry, err := json.Marshal(EventRecord{Timestamp: at, Event: event})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		changed, completed := rec.apply(event, at)

		var updated []byte
		if changed {
			if updated, err = json.Marshal(&rec); err != nil {
				return fmt.Errorf("marshal run record: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.eventsKey(event.RunID), entry)
			if changed {
				pipe.Set(ctx, runKey, updated, 0)
			}
			if completed {
				z := redis.Z{Score: float64(rec.CompletedAt.UnixMilli()), Member: rec.RunID}
				pipe.ZAdd(ctx, s.indexKey(""), z)
				if rec.Subject != "" {
					pipe.ZAdd(ctx, s.indexKey(rec.Subject), z)
				}
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, runKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("record event for %s: %w", event.RunID, err)
		}
		return nil
	}
	return fmt.Errorf("record event for %s: too much contention", event.RunID)
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	if rec.Results == nil {
		rec.Results = make(map[workflow.StageName]workflow.StepResult)
	}
	return &rec, nil
}

func (s *RedisStore) ListRuns(ctx context.Context, opts ListOptions) (*Page, error) {
	q, err := opts.validate()
	if err != nil {
		return nil, err
	}

	upper := "+inf"
	if q.cursor != nil {
		upper = strconv.FormatInt(q.cursor.CompletedAt.UnixMilli(), 10)
	}
	batch := int64(q.limit + 16)

	var ids []string
	for offset := int64(0); len(ids) < q.limit; offset += batch {
		members, err := s.client.ZRevRangeByScoreWithScores(ctx, s.indexKey(q.subject), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    upper,
			Offset: offset,
			Count:  batch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		for _, z := range members {
			id, _ := z.Member.(string)
			if q.cursor != nil && !q.cursor.After(time.UnixMilli(int64(z.Score)).UTC(), id) {
				continue
			}
			ids = append(ids, id)
			if len(ids) == q.limit {
				break
			}
		}
		if int64(len(members)) < batch {
			break
		}
	}

	rows := make([]RunSummary, 0, len(ids))
	if len(ids) == 0 {
		return q.page(rows), nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			s.opts.logger.Warn("skipping undecodable run record", zap.String("run_id", ids[i]), zap.Error(err))
			continue
		}
		rows = append(rows, rec.Summary())
	}
	return q.page(rows), nil
}

func (s *RedisStore) GetEvents(ctx context.Context, runID string) ([]EventRecord, error) {
	n, err := s.client.Exists(ctx, s.runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get events %s: %w", runID, err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	raw, err := s.client.LRange(ctx, s.eventsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get events %s: %w", runID, err)
	}
	events := make([]EventRecord, 0, len(raw))
	for _, item := range raw {
		var ev EventRecord
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close is a no-op; the caller owns the client.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
