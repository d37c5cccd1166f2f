package audit

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"paymentengine/core/events"
	"paymentengine/core/types"
)

// ErrChainBroken is returned by Verify when a stored record no longer links to
// its predecessor.
var ErrChainBroken = errors.New("audit: hash chain broken")

// Record is a single committed escrow transition as persisted in the audit
// database. Records form a keccak hash chain ordered by Sequence.
type Record struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence     uint64    `gorm:"uniqueIndex"`
	EventType    string    `gorm:"index"`
	Escrow       string    `gorm:"index"`
	Owner        string    `gorm:"index"`
	Caller       string
	Counterparty string
	PlanID       string
	Seed         string
	Status       string
	Amount       string
	Balance      string
	OccurredAt   time.Time
	PrevHash     string
	Hash         string `gorm:"uniqueIndex"`
	CreatedAt    time.Time
}

// TableName pins the table name independent of gorm naming strategy.
func (Record) TableName() string { return "escrow_audit_records" }

// FailureRecorder counts records the sink could not persist.
type FailureRecorder interface {
	RecordAuditFailure()
}

// Open connects to the audit database for the configured driver.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", driver)
	}
	return gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

// Log appends committed escrow events to the audit database. It implements
// events.Emitter so it can be attached directly to the processor's sink.
type Log struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics FailureRecorder
	now     func() time.Time

	mu       sync.Mutex
	sequence uint64
	lastHash string
}

// NewLog migrates the audit schema and resumes the chain from the latest
// stored record.
func NewLog(db *gorm.DB, log *slog.Logger, metrics FailureRecorder) (*Log, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: database required")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	l := &Log{db: db, logger: log, metrics: metrics, now: time.Now}
	var tail Record
	err := db.Order("sequence desc").Limit(1).Take(&tail).Error
	switch {
	case err == nil:
		l.sequence = tail.Sequence
		l.lastHash = tail.Hash
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("audit: load tail: %w", err)
	}
	return l, nil
}

// Emit implements events.Emitter. Persistence failures are logged and
// counted; they never propagate to the caller.
func (l *Log) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	if _, err := l.Append(evt.Event()); err != nil {
		l.logger.Error("audit append failed",
			slog.String("event", evt.EventType()),
			slog.Any("error", err))
		if l.metrics != nil {
			l.metrics.RecordAuditFailure()
		}
	}
}

// Append stores evt as the next record of the chain.
func (l *Log) Append(evt *types.Event) (*Record, error) {
	if evt == nil || evt.Type == "" {
		return nil, fmt.Errorf("audit: event type required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	evt = evt.Clone()
	occurred := occurredAt(evt, l.now)
	evt.Attributes["timestamp"] = strconv.FormatInt(occurred.Unix(), 10)
	rec := &Record{
		ID:           uuid.New(),
		Sequence:     l.sequence + 1,
		EventType:    evt.Type,
		Escrow:       evt.Attr("address"),
		Owner:        evt.Attr("owner"),
		Caller:       evt.Attr("caller"),
		Counterparty: evt.Attr("counterparty"),
		PlanID:       evt.Attr("planId"),
		Seed:         evt.Attr("seed"),
		Status:       evt.Attr("status"),
		Amount:       evt.Attr("amount"),
		Balance:      evt.Attr("balance"),
		OccurredAt:   occurred,
		PrevHash:     l.lastHash,
	}
	rec.Hash = chainHash(rec.PrevHash, rec.Sequence, evt)
	if err := l.db.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("audit: insert: %w", err)
	}
	l.sequence = rec.Sequence
	l.lastHash = rec.Hash
	return rec, nil
}

// List returns records in sequence order. An empty escrow lists every record;
// limit <= 0 means no limit.
func (l *Log) List(escrow string, limit int) ([]Record, error) {
	query := l.db.Order("sequence asc")
	if escrow = strings.TrimSpace(escrow); escrow != "" {
		query = query.Where("escrow = ?", escrow)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []Record
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return records, nil
}

// Since returns records with a sequence strictly greater than seq.
func (l *Log) Since(seq uint64) ([]Record, error) {
	var records []Record
	if err := l.db.Where("sequence > ?", seq).Order("sequence asc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("audit: list since %d: %w", seq, err)
	}
	return records, nil
}

// Verify walks the full chain and recomputes every hash.
func (l *Log) Verify() error {
	records, err := l.List("", 0)
	if err != nil {
		return err
	}
	prev := ""
	for i := range records {
		rec := &records[i]
		if rec.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: gap at sequence %d", ErrChainBroken, rec.Sequence)
		}
		if rec.PrevHash != prev {
			return fmt.Errorf("%w: sequence %d does not link to predecessor", ErrChainBroken, rec.Sequence)
		}
		if want := chainHash(rec.PrevHash, rec.Sequence, rec.event()); want != rec.Hash {
			return fmt.Errorf("%w: sequence %d hash mismatch", ErrChainBroken, rec.Sequence)
		}
		prev = rec.Hash
	}
	return nil
}

// event reconstructs the attribute set the record's hash was computed over.
func (r *Record) event() *types.Event {
	attrs := map[string]string{
		"address":   r.Escrow,
		"owner":     r.Owner,
		"planId":    r.PlanID,
		"seed":      r.Seed,
		"status":    r.Status,
		"amount":    r.Amount,
		"balance":   r.Balance,
		"timestamp": strconv.FormatInt(r.OccurredAt.Unix(), 10),
	}
	if r.Caller != "" {
		attrs["caller"] = r.Caller
	}
	if r.Counterparty != "" {
		attrs["counterparty"] = r.Counterparty
	}
	return &types.Event{Type: r.EventType, Attributes: attrs}
}

var hashedAttributes = []string{
	"address", "owner", "caller", "counterparty", "planId", "seed", "status", "amount", "balance", "timestamp",
}

func chainHash(prev string, seq uint64, evt *types.Event) string {
	keys := make([]string, 0, len(hashedAttributes))
	for _, key := range hashedAttributes {
		if evt.Attr(key) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(prev)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(seq, 10))
	b.WriteByte('|')
	b.WriteString(evt.Type)
	for _, key := range keys {
		b.WriteByte('|')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(evt.Attr(key))
	}
	return hex.EncodeToString(ethcrypto.Keccak256([]byte(b.String())))
}

func occurredAt(evt *types.Event, now func() time.Time) time.Time {
	if ts, err := strconv.ParseInt(evt.Attr("timestamp"), 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0).UTC()
	}
	return now().UTC().Truncate(time.Second)
}
