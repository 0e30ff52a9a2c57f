package database

type MockDb struct {
	InitFunc                  func() error
	SaveForeignTxFunc         func(chain, txid, requestID string, raw []byte)
	LoadForeignTxFunc         func(chain, txid string) ([]byte, error)
	SetScannedHeightFunc      func(chain string, height int64) error
	LoadScannedHeightFunc     func(chain string) (int64, error)
	SaveSessionSnapshotFunc   func(sessionID string, snapshot []byte) error
	LoadSessionSnapshotFunc   func(sessionID string) ([]byte, error)
	DeleteSessionSnapshotFunc func(sessionID string) error
}

func (mock *MockDb) Init() error {
	if mock.InitFunc != nil {
		return mock.InitFunc()
	}

	return nil
}

func (mock *MockDb) SaveForeignTx(chain, txid, requestID string, raw []byte) {
	if mock.SaveForeignTxFunc != nil {
		mock.SaveForeignTxFunc(chain, txid, requestID, raw)
	}
}

func (mock *MockDb) LoadForeignTx(chain, txid string) ([]byte, error) {
	if mock.LoadForeignTxFunc != nil {
		return mock.LoadForeignTxFunc(chain, txid)
	}

	return nil, nil
}

func (mock *MockDb) SetScannedHeight(chain string, height int64) error {
	if mock.SetScannedHeightFunc != nil {
		return mock.SetScannedHeightFunc(chain, height)
	}

	return nil
}

func (mock *MockDb) LoadScannedHeight(chain string) (int64, error) {
	if mock.LoadScannedHeightFunc != nil {
		return mock.LoadScannedHeightFunc(chain)
	}

	return 0, nil
}

func (mock *MockDb) SaveSessionSnapshot(sessionID string, snapshot []byte) error {
	if mock.SaveSessionSnapshotFunc != nil {
		return mock.SaveSessionSnapshotFunc(sessionID, snapshot)
	}

	return nil
}

func (mock *MockDb) LoadSessionSnapshot(sessionID string) ([]byte, error) {
	if mock.LoadSessionSnapshotFunc != nil {
		return mock.LoadSessionSnapshotFunc(sessionID)
	}

	return nil, nil
}

func (mock *MockDb) DeleteSessionSnapshot(sessionID string) error {
	if mock.DeleteSessionSnapshotFunc != nil {
		return mock.DeleteSessionSnapshotFunc(sessionID)
	}

	return nil
}

var _ Database = (*MockDb)(nil)
