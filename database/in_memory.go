package database

import (
	"sync"
)

// InMemoryDb backs tests and local runs without a MySQL instance.
type InMemoryDb struct {
	lock sync.RWMutex

	foreignTxs map[string][]byte
	heights    map[string]int64
	sessions   map[string][]byte
}

func NewInMemoryDb() *InMemoryDb {
	return &InMemoryDb{
		foreignTxs: make(map[string][]byte),
		heights:    make(map[string]int64),
		sessions:   make(map[string][]byte),
	}
}

func (d *InMemoryDb) Init() error {
	return nil
}

func txKey(chain, txid string) string {
	return chain + "/" + txid
}

func (d *InMemoryDb) SaveForeignTx(chain, txid, requestID string, raw []byte) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.foreignTxs[txKey(chain, txid)] = raw
}

func (d *InMemoryDb) LoadForeignTx(chain, txid string) ([]byte, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.foreignTxs[txKey(chain, txid)], nil
}

func (d *InMemoryDb) SetScannedHeight(chain string, height int64) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.heights[chain] = height
	return nil
}

func (d *InMemoryDb) LoadScannedHeight(chain string) (int64, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.heights[chain], nil
}

func (d *InMemoryDb) SaveSessionSnapshot(sessionID string, snapshot []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.sessions[sessionID] = snapshot
	return nil
}

func (d *InMemoryDb) LoadSessionSnapshot(sessionID string) ([]byte, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.sessions[sessionID], nil
}

func (d *InMemoryDb) DeleteSessionSnapshot(sessionID string) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	delete(d.sessions, sessionID)
	return nil
}
