package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/sisu-network/lib/log"

	"github.com/sisu-network/dvault/config"
	"github.com/sisu-network/dvault/types"
)

// Registry is the durable store of in-flight and recently finished
// operations. It is the orchestrator's source of truth across restarts:
// recovery replays whatever is registered here and not terminal.
//
// Records expire after a configured number of days; a record that old is
// either long finished or unrecoverable anyway.
type Registry interface {
	// Register stores a new record, assigning an id when none is set.
	Register(record *types.TxRecord) error

	// Update applies mutate to the stored record and persists the result.
	Update(id string, mutate func(*types.TxRecord)) error

	Get(id string) (*types.TxRecord, error)
	GetByRequestID(requestID string) (*types.TxRecord, error)
	ListByUser(userAddress string) ([]*types.TxRecord, error)

	// ListUnfinished returns every record not in a terminal status.
	ListUnfinished() ([]*types.TxRecord, error)
}

var ErrRecordNotFound = types.NewError(types.ErrValidation, "registry record not found")

func recordKey(id string) string {
	return "txreg:" + id
}

func requestKey(requestID string) string {
	return "txreg:req:" + requestID
}

func userKey(userAddress string) string {
	return "txreg:user:" + userAddress
}

const pendingSetKey = "txreg:pending"

type redisRegistry struct {
	pool *redis.Pool
	ttl  time.Duration
}

func NewRedisRegistry(cfg config.Dvault) Registry {
	addr := fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)

	pool := &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: time.Minute * 4,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(5*time.Second),
				redis.DialWriteTimeout(5*time.Second),
			)
		},
	}

	return &redisRegistry{
		pool: pool,
		ttl:  time.Hour * 24 * time.Duration(cfg.RegistryTtlDay),
	}
}

func (r *redisRegistry) Register(record *types.TxRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	now := time.Now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.Status == "" {
		record.Status = types.StatusPending
	}

	conn := r.pool.Get()
	defer conn.Close()

	if err := r.write(conn, record); err != nil {
		return err
	}

	ttlSec := int64(r.ttl.Seconds())
	if _, err := conn.Do("SADD", userKey(record.UserAddress), record.ID); err != nil {
		return types.WrapError(types.ErrTransientNetwork, err, "cannot index record by user")
	}
	conn.Do("EXPIRE", userKey(record.UserAddress), ttlSec)

	if _, err := conn.Do("SET", requestKey(record.RequestID), record.ID, "EX", ttlSec); err != nil {
		return types.WrapError(types.ErrTransientNetwork, err, "cannot index record by request id")
	}

	if _, err := conn.Do("SADD", pendingSetKey, record.ID); err != nil {
		return types.WrapError(types.ErrTransientNetwork, err, "cannot index pending record")
	}

	log.Verbosef("Registered operation %s (%s) for user %s", record.ID, record.Kind, record.UserAddress)

	return nil
}

func (r *redisRegistry) write(conn redis.Conn, record *types.TxRecord) error {
	bz, err := json.Marshal(record)
	if err != nil {
		return types.WrapError(types.ErrValidation, err, "cannot marshal record")
	}

	if _, err := conn.Do("SET", recordKey(record.ID), bz, "EX", int64(r.ttl.Seconds())); err != nil {
		return types.WrapError(types.ErrTransientNetwork, err, "cannot write record")
	}

	return nil
}

func (r *redisRegistry) Update(id string, mutate func(*types.TxRecord)) error {
	conn := r.pool.Get()
	defer conn.Close()

	record, err := r.get(conn, id)
	if err != nil {
		return err
	}

	mutate(record)
	record.UpdatedAt = time.Now().Unix()

	if err := r.write(conn, record); err != nil {
		return err
	}

	if record.Status.Terminal() {
		conn.Do("SREM", pendingSetKey, record.ID)
	}

	return nil
}

func (r *redisRegistry) get(conn redis.Conn, id string) (*types.TxRecord, error) {
	bz, err := redis.Bytes(conn.Do("GET", recordKey(id)))
	if err == redis.ErrNil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, types.WrapError(types.ErrTransientNetwork, err, "cannot read record")
	}

	record := new(types.TxRecord)
	if err := json.Unmarshal(bz, record); err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "cannot unmarshal record")
	}

	return record, nil
}

func (r *redisRegistry) Get(id string) (*types.TxRecord, error) {
	conn := r.pool.Get()
	defer conn.Close()

	return r.get(conn, id)
}

func (r *redisRegistry) GetByRequestID(requestID string) (*types.TxRecord, error) {
	conn := r.pool.Get()
	defer conn.Close()

	id, err := redis.String(conn.Do("GET", requestKey(requestID)))
	if err == redis.ErrNil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, types.WrapError(types.ErrTransientNetwork, err, "cannot resolve request id")
	}

	return r.get(conn, id)
}

func (r *redisRegistry) ListByUser(userAddress string) ([]*types.TxRecord, error) {
	conn := r.pool.Get()
	defer conn.Close()

	ids, err := redis.Strings(conn.Do("SMEMBERS", userKey(userAddress)))
	if err != nil {
		return nil, types.WrapError(types.ErrTransientNetwork, err, "cannot list user records")
	}

	return r.collect(conn, ids)
}

func (r *redisRegistry) ListUnfinished() ([]*types.TxRecord, error) {
	conn := r.pool.Get()
	defer conn.Close()

	ids, err := redis.Strings(conn.Do("SMEMBERS", pendingSetKey))
	if err != nil {
		return nil, types.WrapError(types.ErrTransientNetwork, err, "cannot list pending records")
	}

	return r.collect(conn, ids)
}

// collect resolves ids to records, dropping entries whose record already
// expired. Expired members are pruned from the index as a side effect.
func (r *redisRegistry) collect(conn redis.Conn, ids []string) ([]*types.TxRecord, error) {
	records := make([]*types.TxRecord, 0, len(ids))
	for _, id := range ids {
		record, err := r.get(conn, id)
		if err == ErrRecordNotFound {
			conn.Do("SREM", pendingSetKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}
