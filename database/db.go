package database

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate"
	"github.com/golang-migrate/migrate/database/mysql"
	_ "github.com/golang-migrate/migrate/source/file"
	"github.com/sisu-network/lib/log"

	"github.com/sisu-network/dvault/config"
)

// Database is the long-term archive next to the registry: everything here
// is diagnostic history (what was broadcast, what was observed, session
// snapshots), not the source of truth for recovery. The registry is.
type Database interface {
	Init() error

	// Foreign-chain transactions we broadcast or observed, keyed by chain
	// and txid. Saves are asynchronous.
	SaveForeignTx(chain, txid, requestID string, raw []byte)
	LoadForeignTx(chain, txid string) ([]byte, error)

	// Latest scanned height per foreign chain watcher.
	SetScannedHeight(chain string, height int64) error
	LoadScannedHeight(chain string) (int64, error)

	// BIP143 session snapshots, kept until the session is reconciled.
	SaveSessionSnapshot(sessionID string, snapshot []byte) error
	LoadSessionSnapshot(sessionID string) ([]byte, error)
	DeleteSessionSnapshot(sessionID string) error
}

type saveForeignTxRequest struct {
	chain     string
	txid      string
	requestID string
	raw       []byte
}

type DefaultDatabase struct {
	cfg      config.Dvault
	db       *sql.DB
	saveTxCh chan *saveForeignTxRequest
}

type dbLogger struct {
}

func (logger *dbLogger) Printf(format string, v ...interface{}) {
	fmt.Printf(format, v...)
}

func (logger *dbLogger) Verbose() bool {
	return true
}

func NewDb(cfg config.Dvault) Database {
	if cfg.InMemory {
		return NewInMemoryDb()
	}

	return &DefaultDatabase{
		cfg:      cfg,
		saveTxCh: make(chan *saveForeignTxRequest),
	}
}

func (d *DefaultDatabase) Connect() error {
	host := d.cfg.DbHost
	if host == "" {
		return fmt.Errorf("DB host cannot be empty")
	}

	username := d.cfg.DbUsername
	password := d.cfg.DbPassword
	schema := d.cfg.DbSchema

	url := fmt.Sprintf("%s:%s@tcp(%s:%d)/", username, password, host, d.cfg.DbPort)
	database, err := sql.Open("mysql", url)
	if err != nil {
		return err
	}
	_, err = database.Exec("CREATE DATABASE IF NOT EXISTS " + schema)
	if err != nil {
		return err
	}
	database.Close()

	database, err = sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		username, password, host, d.cfg.DbPort, schema))
	if err != nil {
		return err
	}

	d.db = database
	log.Info("Db is connected successfully")
	return nil
}

func (d *DefaultDatabase) DoMigration() error {
	driver, err := mysql.WithInstance(d.db, &mysql.Config{})
	if err != nil {
		return err
	}

	migrationDir, err := MigrationsTempDir()
	if err != nil {
		return err
	}
	defer os.RemoveAll(migrationDir)

	m, err := migrate.NewWithDatabaseInstance(
		"file://"+migrationDir,
		"mysql",
		driver,
	)
	if err != nil {
		return err
	}

	m.Log = &dbLogger{}
	m.Up()

	return nil
}

func (d *DefaultDatabase) Init() error {
	err := d.Connect()
	if err != nil {
		log.Error("Failed to connect to DB. Err =", err)
		return err
	}

	err = d.DoMigration()
	if err != nil {
		return err
	}

	go d.listen()

	return nil
}

func (d *DefaultDatabase) listen() {
	for req := range d.saveTxCh {
		_, err := d.db.Exec(
			"INSERT IGNORE INTO foreign_transactions (chain, txid, request_id, raw) VALUES (?, ?, ?, ?)",
			req.chain, req.txid, req.requestID, req.raw)
		if err != nil {
			log.Error("Cannot save foreign tx into db, err = ", err)
		}
	}
}

func (d *DefaultDatabase) SaveForeignTx(chain, txid, requestID string, raw []byte) {
	d.saveTxCh <- &saveForeignTxRequest{
		chain:     chain,
		txid:      txid,
		requestID: requestID,
		raw:       raw,
	}
}

func (d *DefaultDatabase) LoadForeignTx(chain, txid string) ([]byte, error) {
	rows, err := d.db.Query("SELECT raw FROM foreign_transactions WHERE chain=? AND txid=?", chain, txid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	var raw []byte
	if err := rows.Scan(&raw); err != nil {
		return nil, err
	}

	return raw, nil
}

func (d *DefaultDatabase) SetScannedHeight(chain string, height int64) error {
	_, err := d.db.Exec(
		"INSERT INTO scanned_height (chain, height) VALUES (?, ?) ON DUPLICATE KEY UPDATE height=?",
		chain, height, height)
	return err
}

func (d *DefaultDatabase) LoadScannedHeight(chain string) (int64, error) {
	rows, err := d.db.Query("SELECT height FROM scanned_height WHERE chain=?", chain)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, nil
	}

	var height int64
	if err := rows.Scan(&height); err != nil {
		return 0, err
	}

	return height, nil
}

func (d *DefaultDatabase) SaveSessionSnapshot(sessionID string, snapshot []byte) error {
	_, err := d.db.Exec(
		"INSERT INTO signing_sessions (session_id, snapshot) VALUES (?, ?) ON DUPLICATE KEY UPDATE snapshot=?",
		sessionID, snapshot, snapshot)
	return err
}

func (d *DefaultDatabase) LoadSessionSnapshot(sessionID string) ([]byte, error) {
	rows, err := d.db.Query("SELECT snapshot FROM signing_sessions WHERE session_id=?", sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	var snapshot []byte
	if err := rows.Scan(&snapshot); err != nil {
		return nil, err
	}

	return snapshot, nil
}

func (d *DefaultDatabase) DeleteSessionSnapshot(sessionID string) error {
	_, err := d.db.Exec("DELETE FROM signing_sessions WHERE session_id=?", sessionID)
	return err
}
