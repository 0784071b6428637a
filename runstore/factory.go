package runstore

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/BaSui01/analystflow/internal/database"
)

// Backends carries the connections a Store may be built on. Only the one
// matching the requested StoreType needs to be set.
type Backends struct {
	Redis          *redis.Client
	RedisKeyPrefix string
	Database       *database.PoolManager
	Mongo          *mongo.Database
}

// ParseStoreType validates a configured backend name. Empty means memory.
func ParseStoreType(s string) (StoreType, error) {
	switch StoreType(s) {
	case "", StoreMemory:
		return StoreMemory, nil
	case StoreRedis, StoreDatabase, StoreMongo:
		return StoreType(s), nil
	default:
		return "", fmt.Errorf("unknown run store backend %q (valid: memory, redis, database, mongo)", s)
	}
}

// New builds the Store selected by kind.
func New(kind StoreType, b Backends, opts ...Option) (Store, error) {
	switch kind {
	case "", StoreMemory:
		return NewMemoryStore(opts...), nil
	case StoreRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("run store %q requires a redis client", kind)
		}
		return NewRedisStore(b.Redis, b.RedisKeyPrefix, opts...), nil
	case StoreDatabase:
		if b.Database == nil {
			return nil, fmt.Errorf("run store %q requires a database pool", kind)
		}
		return NewSQLStore(b.Database, opts...), nil
	case StoreMongo:
		if b.Mongo == nil {
			return nil, fmt.Errorf("run store %q requires a mongo database", kind)
		}
		return NewMongoStore(b.Mongo, opts...), nil
	default:
		return nil, fmt.Errorf("unknown run store backend %q", kind)
	}
}
