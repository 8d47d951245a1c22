/*
scheduler.go - Collections snapshot scheduler

PURPOSE:
  Periodically walks every overdue promissory note through the query
  service and publishes portfolio gauges (count, pending principal,
  accrued interest, total due). Read-only: it never writes to the ledger.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Each run uses a single as-of instant for every page

USAGE:
  scheduler := NewCollectionsScheduler(query, metrics, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - metrics.go: Gauge definitions
  - ledger/query.go: ListPromissoryNotes
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/settlement-engine/ledger"
)

// CollectionsSnapshot is the aggregate of one scheduler run.
type CollectionsSnapshot struct {
	AsOf            time.Time
	OverdueNotes    int
	PendingBalance  decimal.Decimal
	AccruedInterest decimal.Decimal
	TotalDue        decimal.Decimal
}

// CollectionsScheduler refreshes the overdue portfolio gauges.
type CollectionsScheduler struct {
	Query         *ledger.QueryService
	Metrics       *Metrics
	Logger        *logrus.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCollectionsScheduler creates a new scheduler.
func NewCollectionsScheduler(query *ledger.QueryService, metrics *Metrics, logger *logrus.Logger) *CollectionsScheduler {
	return &CollectionsScheduler{
		Query:         query,
		Metrics:       metrics,
		Logger:        logger,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (cs *CollectionsScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.Logger.WithField("module", moduleName).Info("collections scheduler disabled")
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.wg.Add(1)

	go cs.run()

	cs.Logger.WithFields(logrus.Fields{
		"module":   moduleName,
		"interval": cs.CheckInterval.String(),
	}).Info("collections scheduler started")
}

// Stop stops the scheduler and waits for an in-flight run.
func (cs *CollectionsScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.ticker = nil
		cs.Logger.WithField("module", moduleName).Info("collections scheduler stopped")
	}
}

func (cs *CollectionsScheduler) run() {
	defer cs.wg.Done()

	cs.refresh()

	for {
		select {
		case <-cs.ticker.C:
			cs.refresh()
		case <-cs.stop:
			return
		}
	}
}

func (cs *CollectionsScheduler) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), cs.CheckInterval)
	defer cancel()

	snap, err := cs.Snapshot(ctx)
	if err != nil {
		cs.Logger.WithFields(logrus.Fields{
			"module":   moduleName,
			"funcName": "refresh",
		}).Error(err.Error())
		return
	}
	cs.Metrics.ObserveCollections(snap)
}

// Snapshot aggregates every overdue note as of now.
func (cs *CollectionsScheduler) Snapshot(ctx context.Context) (CollectionsSnapshot, error) {
	filter := ledger.NoteFilter{OverdueOnly: true, Page: 1, PageSize: ledger.MaxPageSize}
	snap := CollectionsSnapshot{
		PendingBalance:  decimal.Zero,
		AccruedInterest: decimal.Zero,
		TotalDue:        decimal.Zero,
	}

	for {
		page, err := cs.Query.ListPromissoryNotes(ctx, filter)
		if err != nil {
			return CollectionsSnapshot{}, err
		}
		snap.AsOf = page.AsOf
		for _, n := range page.Items {
			snap.OverdueNotes++
			snap.PendingBalance = snap.PendingBalance.Add(n.PendingBalance)
			snap.AccruedInterest = snap.AccruedInterest.Add(n.AccruedInterest)
			snap.TotalDue = snap.TotalDue.Add(n.TotalDue)
		}
		if page.Page >= page.TotalPages {
			return snap, nil
		}
		filter.AsOf = page.AsOf
		filter.Page++
	}
}
