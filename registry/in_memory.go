package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sisu-network/dvault/types"
)

// inMemoryRegistry backs local runs and tests. Same semantics as the redis
// implementation minus expiry.
type inMemoryRegistry struct {
	lock      sync.RWMutex
	records   map[string]*types.TxRecord
	byRequest map[string]string
	byUser    map[string][]string
}

func NewInMemoryRegistry() Registry {
	return &inMemoryRegistry{
		records:   make(map[string]*types.TxRecord),
		byRequest: make(map[string]string),
		byUser:    make(map[string][]string),
	}
}

func (r *inMemoryRegistry) Register(record *types.TxRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	now := time.Now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.Status == "" {
		record.Status = types.StatusPending
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	clone := *record
	r.records[record.ID] = &clone
	r.byRequest[record.RequestID] = record.ID
	r.byUser[record.UserAddress] = append(r.byUser[record.UserAddress], record.ID)

	return nil
}

func (r *inMemoryRegistry) Update(id string, mutate func(*types.TxRecord)) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	record, ok := r.records[id]
	if !ok {
		return ErrRecordNotFound
	}

	mutate(record)
	record.UpdatedAt = time.Now().Unix()

	return nil
}

func (r *inMemoryRegistry) Get(id string) (*types.TxRecord, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}

	clone := *record
	return &clone, nil
}

func (r *inMemoryRegistry) GetByRequestID(requestID string) (*types.TxRecord, error) {
	r.lock.RLock()
	id, ok := r.byRequest[requestID]
	r.lock.RUnlock()

	if !ok {
		return nil, ErrRecordNotFound
	}

	return r.Get(id)
}

func (r *inMemoryRegistry) ListByUser(userAddress string) ([]*types.TxRecord, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	records := make([]*types.TxRecord, 0)
	for _, id := range r.byUser[userAddress] {
		if record, ok := r.records[id]; ok {
			clone := *record
			records = append(records, &clone)
		}
	}

	return records, nil
}

func (r *inMemoryRegistry) ListUnfinished() ([]*types.TxRecord, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	records := make([]*types.TxRecord, 0)
	for _, record := range r.records {
		if !record.Status.Terminal() {
			clone := *record
			records = append(records, &clone)
		}
	}

	return records, nil
}
