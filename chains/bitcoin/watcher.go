package bitcoin

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sisu-network/lib/log"

	"github.com/sisu-network/dvault/chains/common"
	"github.com/sisu-network/dvault/database"
)

// SpendReport is the watcher's verdict on one reserved outpoint.
type SpendReport struct {
	Outpoint      wire.OutPoint
	SpendingTxid  string
	Confirmations int64

	// Match is true when the spender is the transaction we broadcast.
	// False means a competing transaction consumed the outpoint and the
	// withdrawal must go down the refund path.
	Match bool
}

type watchEntry struct {
	outpoint     wire.OutPoint
	expectedTxid string
	reportCh     chan *SpendReport

	// Consecutive polls where the outpoint is gone but the expected
	// transaction is unknown to the node. A conflict verdict needs several
	// of these in a row, a single one can be index lag.
	unknownSpends int
}

// SpendWatcher polls reserved outpoints with gettxout. An outpoint
// disappearing from the UTXO set means something spent it; the watcher then
// decides whether that something was our transaction. It never assumes our
// broadcast is the only possible spender.
type SpendWatcher struct {
	chain         string
	client        BtcClient
	db            database.Database
	finalityDepth int64
	cadence       *common.PollCadence

	lock    sync.Mutex
	entries map[wire.OutPoint]*watchEntry

	lastHeight int64
	stopCh     chan struct{}
}

func NewSpendWatcher(chain string, client BtcClient, db database.Database,
	basePollMs int, finalityDepth int64) *SpendWatcher {
	return &SpendWatcher{
		chain:         chain,
		client:        client,
		db:            db,
		finalityDepth: finalityDepth,
		cadence:       common.NewPollCadence(basePollMs),
		entries:       make(map[wire.OutPoint]*watchEntry),
		stopCh:        make(chan struct{}),
	}
}

// Watch registers an outpoint and the txid expected to spend it. The
// returned channel delivers exactly one report.
func (w *SpendWatcher) Watch(outpoint wire.OutPoint, expectedTxid string) <-chan *SpendReport {
	entry := &watchEntry{
		outpoint:     outpoint,
		expectedTxid: expectedTxid,
		reportCh:     make(chan *SpendReport, 1),
	}

	w.lock.Lock()
	w.entries[outpoint] = entry
	w.lock.Unlock()

	return entry.reportCh
}

func (w *SpendWatcher) Unwatch(outpoint wire.OutPoint) {
	w.lock.Lock()
	delete(w.entries, outpoint)
	w.lock.Unlock()
}

func (w *SpendWatcher) Start() {
	if height, err := w.db.LoadScannedHeight(w.chain); err == nil && height > 0 {
		w.lastHeight = height
		log.Info("Resuming chain ", w.chain, " from height ", height)
	}

	go w.loop()
}

func (w *SpendWatcher) Stop() {
	close(w.stopCh)
}

func (w *SpendWatcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case <-time.After(time.Duration(w.cadence.IntervalMs()) * time.Millisecond):
		}

		w.checkpointHeight()

		if w.scan() {
			w.cadence.SpendSeen()
		} else {
			w.cadence.Idle()
		}
	}
}

// checkpointHeight records the chain tip so a restart knows where the
// watcher left off.
func (w *SpendWatcher) checkpointHeight() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()

	height, err := w.client.GetBlockCount(ctx)
	if err != nil || height == w.lastHeight {
		return
	}

	w.lastHeight = height
	if err := w.db.SetScannedHeight(w.chain, height); err != nil {
		log.Warnf("Cannot save scanned height for chain %s, err = %s", w.chain, err)
	}
}

// scan polls every watched outpoint once, reporting resolved entries. It
// returns true when any entry made progress, which speeds up the poll
// cadence while spends are landing.
func (w *SpendWatcher) scan() bool {
	w.lock.Lock()
	entries := make([]*watchEntry, 0, len(w.entries))
	for _, e := range w.entries {
		entries = append(entries, e)
	}
	w.lock.Unlock()

	progress := false
	for _, entry := range entries {
		report, err := w.check(entry)
		if err != nil {
			log.Warnf("Cannot check outpoint %s on chain %s, err = %s",
				entry.outpoint.String(), w.chain, err)
			continue
		}
		if report == nil {
			continue
		}

		progress = true
		w.lock.Lock()
		delete(w.entries, entry.outpoint)
		w.lock.Unlock()

		entry.reportCh <- report
	}

	return progress
}

func (w *SpendWatcher) check(entry *watchEntry) (*SpendReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()

	out, err := w.client.GetTxOut(ctx, entry.outpoint.Hash.String(), entry.outpoint.Index)
	if err != nil {
		return nil, err
	}
	if out != nil {
		// Still unspent.
		return nil, nil
	}

	// The outpoint is gone from the UTXO set. Check whether our expected
	// transaction is the spender.
	spender, err := w.client.GetRawTransaction(ctx, entry.expectedTxid)
	if err != nil {
		return nil, err
	}

	if spender != nil && spendsOutpoint(spender, entry.outpoint) {
		if spender.Confirmations < w.finalityDepth {
			// Spent by us but not final yet, keep waiting.
			return nil, nil
		}

		return &SpendReport{
			Outpoint:      entry.outpoint,
			SpendingTxid:  spender.Txid,
			Confirmations: spender.Confirmations,
			Match:         true,
		}, nil
	}

	entry.unknownSpends++
	if entry.unknownSpends < 3 {
		return nil, nil
	}

	log.Warnf("Outpoint %s on chain %s spent by a competing transaction",
		entry.outpoint.String(), w.chain)

	return &SpendReport{
		Outpoint: entry.outpoint,
		Match:    false,
	}, nil
}

func spendsOutpoint(tx *RawTransaction, outpoint wire.OutPoint) bool {
	for _, in := range tx.Vin {
		if in.Txid == outpoint.Hash.String() && in.Vout == outpoint.Index {
			return true
		}
	}
	return false
}
