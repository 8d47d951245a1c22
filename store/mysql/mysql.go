/*
Package mysql provides a MySQL-backed implementation of the ledger storage
interfaces using gorm.

PURPOSE:
  Multi-process deployments share one MySQL database. Row-level locks
  (SELECT ... FOR UPDATE) serialize concurrent applications of the same
  note and concurrent adjustments of the same client, sale or product.

CONCURRENCY:
  Every note and aggregate read inside a unit of work takes a FOR UPDATE
  lock. The second of two concurrent applications blocks on the note row,
  then observes applied=true and fails with ALREADY_APPLIED.
  Deadlocks (1213) and lock wait timeouts (1205) surface as CONFLICT and
  are retried by the engine from a fresh transaction.

TRACING:
  The otelgorm plugin emits a span per statement, parented to the engine's
  ApplyNote / ListPromissoryNotes spans through the request context.

SEE ALSO:
  - store/sqlite: Single-node default
  - ledger/store.go: Interface definitions
*/
package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"github.com/warp/settlement-engine/ledger"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// MySQL error numbers the store classifies.
const (
	errDuplicateEntry  = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errNoReferenced    = 1452
)

// Config holds connection and pool settings.
type Config struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN renders the go-sql-driver DSN. A Host starting with "/cloudsql/" is
// treated as a unix socket path.
func (c Config) DSN() string {
	network, address := "tcp", fmt.Sprintf("%s:%s", c.Host, c.Port)
	if strings.HasPrefix(c.Host, "/cloudsql/") {
		network, address = "unix", c.Host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true&loc=UTC&charset=utf8mb4",
		c.User, c.Password, network, address, c.Name)
}

// Store implements ledger.Store and ledger.Registry on MySQL.
type Store struct {
	db *gorm.DB
}

// Open connects with cfg, tunes the pool and installs the tracing plugin.
func Open(cfg Config, log *logrus.Logger) (*Store, error) {
	return OpenDSN(cfg.DSN(), cfg, log)
}

// OpenDSN connects with an explicit DSN. Pool settings come from cfg.
func OpenDSN(dsn string, cfg Config, log *logrus.Logger) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.Use(otelgorm.NewPlugin()); err != nil && log != nil {
		log.WithField("module", "store/mysql").Warn("db connected but failed to install otelgorm plugin: " + err.Error())
	}

	return New(db), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func gormLogger(log *logrus.Logger) logger.Interface {
	if log == nil {
		return logger.Default.LogMode(logger.Silent)
	}
	return logger.New(log, logger.Config{
		Colorful:                  false,
		LogLevel:                  logger.Error,
		SlowThreshold:             time.Second,
		IgnoreRecordNotFoundError: true,
	})
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(models()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return ledger.Unavailable("Ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return ledger.Unavailable("Ping", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return classify("Reset", s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := len(models()) - 1; i >= 0; i-- {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(models()[i]).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}

// =============================================================================
// UNIT OF WORK (ledger.Store)
// =============================================================================

// WithTx executes fn inside a gorm transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txStore{db: tx})
	})
	return classify("WithTx", err)
}

// classify maps driver errors onto ledger error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *ledger.Error
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &ledger.Error{Kind: ledger.KindNotFound, Op: op, Message: "record not found", Err: err}
	}

	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case errDeadlock, errLockWaitTimeout:
			return ledger.Conflict(op, err)
		case errDuplicateEntry:
			return ledger.Invalid(op, "a record with the same identifier already exists")
		case errNoReferenced:
			return ledger.Invalid(op, "a referenced record does not exist")
		}
	}
	return ledger.Unavailable(op, err)
}

// forUpdate adds a row lock to the next query.
func forUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Tx)
// =============================================================================

type txStore struct {
	db *gorm.DB
}

func (ts *txStore) GetClient(ctx context.Context, id ledger.ClientID) (*ledger.Client, error) {
	var row clientRow
	if err := forUpdate(ts.db.WithContext(ctx)).Where("id = ?", string(id)).First(&row).Error; err != nil {
		return nil, notFoundOr("GetClient", "client", id, err)
	}
	c := row.toLedger()
	return &c, nil
}

func (ts *txStore) GetSale(ctx context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	var row saleRow
	if err := forUpdate(ts.db.WithContext(ctx)).Where("id = ?", string(id)).First(&row).Error; err != nil {
		return nil, notFoundOr("GetSale", "sale", id, err)
	}
	s := row.toLedger()
	return &s, nil
}

func (ts *txStore) GetProduct(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	var row productRow
	if err := ts.db.WithContext(ctx).Where("id = ?", string(id)).First(&row).Error; err != nil {
		return nil, notFoundOr("GetProduct", "product", id, err)
	}
	return &ledger.Product{ID: ledger.ProductID(row.ID), Name: row.Name, Stock: row.Stock}, nil
}

// GetCreditNote locks the note row for the rest of the transaction.
func (ts *txStore) GetCreditNote(ctx context.Context, id ledger.NoteID) (*ledger.CreditNote, error) {
	var row creditNoteRow
	if err := forUpdate(ts.db.WithContext(ctx)).Where("id = ?", string(id)).First(&row).Error; err != nil {
		return nil, notFoundOr("GetCreditNote", "credit note", id, err)
	}

	var items []creditNoteItemRow
	if err := ts.db.WithContext(ctx).Where("note_id = ?", string(id)).Order("position ASC").Find(&items).Error; err != nil {
		return nil, classify("GetCreditNote", err)
	}

	note := &ledger.CreditNote{
		NoteHeader:         row.toHeader(),
		AppliesToInventory: row.AppliesToInventory,
	}
	for _, it := range items {
		note.Items = append(note.Items, ledger.NoteLineItem{
			ID:        it.ID,
			NoteID:    ledger.NoteID(it.NoteID),
			ProductID: ledger.ProductID(it.ProductID),
			Quantity:  it.Quantity,
		})
	}
	return note, nil
}

// GetDebitNote locks the note row for the rest of the transaction.
func (ts *txStore) GetDebitNote(ctx context.Context, id ledger.NoteID) (*ledger.DebitNote, error) {
	var row debitNoteRow
	if err := forUpdate(ts.db.WithContext(ctx)).Where("id = ?", string(id)).First(&row).Error; err != nil {
		return nil, notFoundOr("GetDebitNote", "debit note", id, err)
	}
	return &ledger.DebitNote{NoteHeader: row.toHeader()}, nil
}

func (ts *txStore) InsertCreditNote(ctx context.Context, n *ledger.CreditNote) error {
	row := creditNoteRow{NoteColumns: fromHeader(n.NoteHeader), AppliesToInventory: n.AppliesToInventory}
	if err := ts.db.WithContext(ctx).Create(&row).Error; err != nil {
		return classify("InsertCreditNote", err)
	}
	return ts.insertItems(ctx, "InsertCreditNote", n.Items)
}

func (ts *txStore) insertItems(ctx context.Context, op string, items []ledger.NoteLineItem) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]creditNoteItemRow, len(items))
	for i, it := range items {
		rows[i] = creditNoteItemRow{
			ID:        it.ID,
			NoteID:    string(it.NoteID),
			ProductID: string(it.ProductID),
			Quantity:  it.Quantity,
			Position:  i,
		}
	}
	return classify(op, ts.db.WithContext(ctx).Create(&rows).Error)
}

func (ts *txStore) InsertDebitNote(ctx context.Context, n *ledger.DebitNote) error {
	row := debitNoteRow{NoteColumns: fromHeader(n.NoteHeader)}
	return classify("InsertDebitNote", ts.db.WithContext(ctx).Create(&row).Error)
}

func (ts *txStore) UpdateCreditNote(ctx context.Context, n *ledger.CreditNote) error {
	const op = "UpdateCreditNote"
	cols := fromHeader(n.NoteHeader)
	res := ts.db.WithContext(ctx).Model(&creditNoteRow{}).
		Where("id = ? AND applied = ?", string(n.ID), false).
		Updates(map[string]any{
			"sale_id":              cols.SaleID,
			"amount":               cols.Amount,
			"concept":              cols.Concept,
			"description":          cols.Description,
			"applies_to_inventory": n.AppliesToInventory,
		})
	if err := ts.expectOne(ctx, op, &creditNoteRow{}, ledger.KindCredit, n.ID, res); err != nil {
		return err
	}
	if err := ts.db.WithContext(ctx).Where("note_id = ?", string(n.ID)).Delete(&creditNoteItemRow{}).Error; err != nil {
		return classify(op, err)
	}
	return ts.insertItems(ctx, op, n.Items)
}

func (ts *txStore) UpdateDebitNote(ctx context.Context, n *ledger.DebitNote) error {
	cols := fromHeader(n.NoteHeader)
	res := ts.db.WithContext(ctx).Model(&debitNoteRow{}).
		Where("id = ? AND applied = ?", string(n.ID), false).
		Updates(map[string]any{
			"sale_id":     cols.SaleID,
			"amount":      cols.Amount,
			"concept":     cols.Concept,
			"description": cols.Description,
		})
	return ts.expectOne(ctx, "UpdateDebitNote", &debitNoteRow{}, ledger.KindDebit, n.ID, res)
}

func (ts *txStore) DeleteNote(ctx context.Context, kind ledger.NoteKind, id ledger.NoteID) error {
	model := noteModel(kind)
	if kind == ledger.KindCredit {
		if err := ts.db.WithContext(ctx).Where("note_id = ?", string(id)).Delete(&creditNoteItemRow{}).Error; err != nil {
			return classify("DeleteNote", err)
		}
	}
	res := ts.db.WithContext(ctx).Where("id = ? AND applied = ?", string(id), false).Delete(model)
	return ts.expectOne(ctx, "DeleteNote", model, kind, id, res)
}

// MarkNoteApplied only flips a row that is still unapplied.
func (ts *txStore) MarkNoteApplied(ctx context.Context, kind ledger.NoteKind, id ledger.NoteID, actorID string, at time.Time) error {
	model := noteModel(kind)
	res := ts.db.WithContext(ctx).Model(model).
		Where("id = ? AND applied = ?", string(id), false).
		Updates(map[string]any{
			"applied":    true,
			"applied_at": at.UTC(),
			"applied_by": actorID,
		})
	return ts.expectOne(ctx, "MarkNoteApplied", model, kind, id, res)
}

func (ts *txStore) expectOne(ctx context.Context, op string, model any, kind ledger.NoteKind, id ledger.NoteID, res *gorm.DB) error {
	if res.Error != nil {
		return classify(op, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	// MySQL reports changed rows, not matched rows, so an update that
	// rewrites identical values also lands here.
	var state struct{ Applied bool }
	err := ts.db.WithContext(ctx).Model(model).Select("applied").Where("id = ?", string(id)).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.NotFound(op, kind.Label(), id)
	}
	if err != nil {
		return classify(op, err)
	}
	if state.Applied {
		return ledger.Conflict(op, nil)
	}
	return nil
}

func noteModel(kind ledger.NoteKind) any {
	if kind == ledger.KindCredit {
		return &creditNoteRow{}
	}
	return &debitNoteRow{}
}

func (ts *txStore) AdjustClientBalance(ctx context.Context, id ledger.ClientID, delta decimal.Decimal) (ledger.BalanceChange, error) {
	const op = "AdjustClientBalance"
	var row clientRow
	if err := forUpdate(ts.db.WithContext(ctx)).Where("id = ?", string(id)).First(&row).Error; err != nil {
		return ledger.BalanceChange{}, notFoundOr(op, "client", id, err)
	}
	change := ledger.BalanceChange{Before: row.Balance, After: row.Balance.Add(delta)}
	if err := ts.db.WithContext(ctx).Model(&clientRow{}).Where("id = ?", row.ID).
		Update("balance", change.After).Error; err != nil {
		return ledger.BalanceChange{}, classify(op, err)
	}
	return change, nil
}

func (ts *txStore) AdjustSalePendingBalance(ctx context.Context, id ledger.SaleID, delta decimal.Decimal) (ledger.BalanceChange, error) {
	const op = "AdjustSalePendingBalance"
	var row saleRow
	if err := forUpdate(ts.db.WithContext(ctx)).Where("id = ?", string(id)).First(&row).Error; err != nil {
		return ledger.BalanceChange{}, notFoundOr(op, "sale", id, err)
	}
	change := ledger.BalanceChange{Before: row.PendingBalance, After: row.PendingBalance.Add(delta)}
	if err := ts.db.WithContext(ctx).Model(&saleRow{}).Where("id = ?", row.ID).
		Update("pending_balance", change.After).Error; err != nil {
		return ledger.BalanceChange{}, classify(op, err)
	}
	return change, nil
}

func (ts *txStore) AdjustProductStock(ctx context.Context, id ledger.ProductID, delta int64) (ledger.StockChange, error) {
	const op = "AdjustProductStock"
	var row productRow
	if err := forUpdate(ts.db.WithContext(ctx)).Where("id = ?", string(id)).First(&row).Error; err != nil {
		return ledger.StockChange{}, notFoundOr(op, "product", id, err)
	}
	change := ledger.StockChange{Before: row.Stock, After: row.Stock + delta}
	if err := ts.db.WithContext(ctx).Model(&productRow{}).Where("id = ?", row.ID).
		Update("stock", change.After).Error; err != nil {
		return ledger.StockChange{}, classify(op, err)
	}
	return change, nil
}

func (ts *txStore) AppendInventoryMovement(ctx context.Context, m ledger.InventoryMovement) error {
	row := inventoryMovementRow{
		ID:             m.ID,
		ProductID:      string(m.ProductID),
		Delta:          m.Delta,
		QuantityBefore: m.QuantityBefore,
		QuantityAfter:  m.QuantityAfter,
		Reason:         m.Reason,
		NoteID:         string(m.NoteID),
		CreatedAt:      m.CreatedAt,
	}
	return classify("AppendInventoryMovement", ts.db.WithContext(ctx).Create(&row).Error)
}

func (ts *txStore) AppendHistory(ctx context.Context, e ledger.LedgerHistoryEntry) error {
	row := ledgerHistoryRow{
		ID:            e.ID,
		ClientID:      string(e.ClientID),
		Event:         e.Event,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		Observations:  e.Observations,
		ActorID:       e.ActorID,
		CreatedAt:     e.CreatedAt,
	}
	return classify("AppendHistory", ts.db.WithContext(ctx).Create(&row).Error)
}

func notFoundOr(op, what string, id any, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.NotFound(op, what, id)
	}
	return classify(op, err)
}
