// Package journal persists an audit trail of claims from engine events.
package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"keydrop/core/events"
	"keydrop/native/drops"
)

const defaultQueueSize = 1024

// ErrNotFound is returned when no record exists for a claim.
var ErrNotFound = errors.New("journal: claim not found")

// Journal records claim issuance and settlement. It implements events.Emitter:
// Emit queues the write and a single worker applies queued writes in order.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan entry
	done   chan struct{}
}

type entry struct {
	evt   events.Typed
	at    time.Time
	flush chan struct{}
}

// Option mutates journal configuration.
type Option func(*Journal)

// WithQueueSize bounds the number of writes waiting for the worker.
func WithQueueSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.queue = make(chan entry, n)
		}
	}
}

// Open connects to the configured driver and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return db, nil
}

// New wraps an opened database and starts the write worker. Callers must
// Close the journal before closing db.
func New(db *gorm.DB, log *slog.Logger, opts ...Option) *Journal {
	if log == nil {
		log = slog.Default()
	}
	j := &Journal{
		db:     db,
		logger: log,
		nowFn:  time.Now,
		queue:  make(chan entry, defaultQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	go j.worker()
	return j
}

// SetNowFunc overrides the clock used for timestamps.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now == nil {
		j.nowFn = time.Now
		return
	}
	j.nowFn = now
}

// Emit implements events.Emitter. Events that are not claim events are
// ignored. It never waits on storage: when the queue is full the write is
// dropped and logged, and storage failures are logged by the worker.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	switch evt.EventType() {
	case drops.EventTypeClaim, drops.EventTypeCreateAccountAndClaim,
		drops.EventTypeClaimFinalized, drops.EventTypeClaimRefunded:
	default:
		return
	}
	typed, ok := evt.(events.Typed)
	if !ok || typed.Event() == nil {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- entry{evt: typed, at: j.nowFn().UTC()}:
	default:
		j.logger.Warn("journal write dropped",
			slog.String("component", "journal"),
			slog.String("event", evt.EventType()),
			slog.String("claim_id", typed.Event().Attr("claimId")))
	}
}

// Flush blocks until every write queued before the call has been applied.
func (j *Journal) Flush() {
	if j == nil {
		return
	}
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return
	}
	marker := make(chan struct{})
	j.queue <- entry{flush: marker}
	j.mu.RUnlock()
	<-marker
}

// Close stops accepting events, applies the queued writes and stops the
// worker. It is safe to call more than once.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()
	<-j.done
}

func (j *Journal) worker() {
	defer close(j.done)
	for e := range j.queue {
		if e.flush != nil {
			close(e.flush)
			continue
		}
		j.apply(e)
	}
}

func (j *Journal) apply(e entry) {
	var err error
	switch e.evt.EventType() {
	case drops.EventTypeClaim, drops.EventTypeCreateAccountAndClaim:
		err = j.recordIssued(e.evt, e.at)
	default:
		err = j.recordSettled(e.evt, e.at)
	}
	if err != nil {
		j.logger.Error("journal write failed",
			slog.String("component", "journal"),
			slog.String("event", e.evt.EventType()),
			slog.Any("error", err))
	}
}

func (j *Journal) recordIssued(evt events.Typed, at time.Time) error {
	payload := evt.Event()
	id, err := uuid.Parse(payload.Attr("claimId"))
	if err != nil {
		return fmt.Errorf("journal: claim id: %w", err)
	}
	entrypoint := drops.EntrypointClaim
	if payload.Type == drops.EventTypeCreateAccountAndClaim {
		entrypoint = drops.EntrypointCreateAccountAndClaim
	}
	use, _ := strconv.ParseUint(payload.Attr("use"), 10, 32)
	record := ClaimRecord{
		ID:         id,
		Entrypoint: entrypoint,
		DropID:     payload.Attr("dropId"),
		KeyID:      payload.Attr("keyId"),
		Funder:     payload.Attr("funder"),
		Receiver:   payload.Attr("receiver"),
		Use:        uint32(use),
		Assets:     payload.Attr("assets"),
		Status:     StatusPending,
		Refunded:   "0",
		IssuedAt:   at,
	}
	return j.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

func (j *Journal) recordSettled(evt events.Typed, settled time.Time) error {
	payload := evt.Event()
	id, err := uuid.Parse(payload.Attr("claimId"))
	if err != nil {
		return fmt.Errorf("journal: claim id: %w", err)
	}
	status := StatusFinalized
	if payload.Type == drops.EventTypeClaimRefunded {
		status = StatusRefundApplied
	}
	return j.db.Transaction(func(tx *gorm.DB) error {
		var record ClaimRecord
		err := tx.Where("id = ?", id).First(&record).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			record = ClaimRecord{
				ID:         id,
				Entrypoint: payload.Attr("entrypoint"),
				DropID:     payload.Attr("dropId"),
				KeyID:      payload.Attr("keyId"),
				Funder:     payload.Attr("funder"),
				Receiver:   payload.Attr("receiver"),
				IssuedAt:   settled,
			}
		case err != nil:
			return err
		}
		record.Status = status
		record.Refunded = payload.Attr("refunded")
		record.SettledAt = &settled
		return tx.Save(&record).Error
	})
}

// Claim returns the record for id.
func (j *Journal) Claim(id uuid.UUID) (*ClaimRecord, error) {
	var record ClaimRecord
	err := j.db.Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ClaimsForDrop lists the claims of a drop, oldest first.
func (j *Journal) ClaimsForDrop(dropID string, limit int) ([]ClaimRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []ClaimRecord
	err := j.db.Where("drop_id = ?", dropID).Order("issued_at asc").Limit(limit).Find(&records).Error
	return records, err
}

// Pending lists claims that were issued but never settled.
func (j *Journal) Pending() ([]ClaimRecord, error) {
	var records []ClaimRecord
	err := j.db.Where("status = ?", StatusPending).Order("issued_at asc").Find(&records).Error
	return records, err
}
