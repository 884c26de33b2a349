/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (TxStore, BookingStore, SweepRunStore)
  using SQLite. The postgres package carries the same model for production.

INTERFACES IMPLEMENTED:
  workflow.TxStore:       Requests, allocations, resources + unit of work
  workflow.BookingStore:  Booking records
  workflow.SweepRunStore: Sweep run audit

KEY TABLES:
  service_requests: Agent asks, with optimistic lock column "version"
  allocations:      Capacity held by approved requests
  resources:        Inventory units and their capacity
  bookings:         Bookings created from approvals
  sweep_runs:       One row per expiration sweep

INDEXES:
  Critical indexes:
  - idx_allocations_one_active: at most one active allocation per request
  - idx_bookings_one_created: at most one created booking per request
  - idx_requests_status_expires: sweep hot path
  - idx_allocations_resource: capacity checks

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text so that string comparison in
  SQL is time comparison. Calendar days are stored as YYYY-MM-DD.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so a unit of
  work sees its own writes and nothing else. Statements inside WithTx go
  through the sql.Tx only.

USAGE:
  store, err := sqlite.New("./data/engine.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - workflow/store.go: Interface definitions
  - workflow/store/memory.go: In-memory implementation for testing
  - store/postgres: gorm implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/seferet/allocation-engine/workflow"
)

const (
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	dayLayout  = "2006-01-02"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and the
	// store serializes writers anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Service requests
	CREATE TABLE IF NOT EXISTS service_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		package_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		provider_type TEXT NOT NULL,
		item_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		requested_quantity INTEGER NOT NULL CHECK (requested_quantity > 0),
		offered_price TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		expires_at TEXT NOT NULL,
		expired_at TEXT,
		responded_by TEXT,
		responded_at TEXT,
		rejection_reason TEXT,
		notes TEXT,
		metadata_json TEXT,
		reminder_sent BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Sweep hot path: pending requests by deadline
	CREATE INDEX IF NOT EXISTS idx_requests_status_expires
		ON service_requests(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_requests_provider
		ON service_requests(provider_id, status);
	CREATE INDEX IF NOT EXISTS idx_requests_agent
		ON service_requests(agent_id);
	CREATE INDEX IF NOT EXISTS idx_requests_package
		ON service_requests(package_id);

	-- Inventory
	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		provider_type TEXT NOT NULL,
		item_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		capacity INTEGER NOT NULL CHECK (capacity >= 0)
	);

	CREATE INDEX IF NOT EXISTS idx_resources_provider_item
		ON resources(provider_id, item_id);

	-- Allocations
	CREATE TABLE IF NOT EXISTS allocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service_request_id INTEGER NOT NULL REFERENCES service_requests(id),
		resource_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		status TEXT NOT NULL DEFAULT 'active',
		expires_at TEXT NOT NULL,
		release_reason TEXT,
		released_at TEXT,
		released_by TEXT,
		auto_released BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one active allocation per request
	CREATE UNIQUE INDEX IF NOT EXISTS idx_allocations_one_active
		ON allocations(service_request_id) WHERE status = 'active';

	CREATE INDEX IF NOT EXISTS idx_allocations_due
		ON allocations(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_allocations_resource
		ON allocations(resource_id, status, start_date, end_date);

	-- Bookings
	CREATE TABLE IF NOT EXISTS bookings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reference TEXT NOT NULL UNIQUE,
		service_request_id INTEGER NOT NULL REFERENCES service_requests(id),
		allocation_id INTEGER NOT NULL REFERENCES allocations(id),
		status TEXT NOT NULL,
		total TEXT NOT NULL,
		currency TEXT NOT NULL,
		error_code TEXT,
		message TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_one_created
		ON bookings(service_request_id) WHERE status = 'created';

	-- Sweep runs
	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		report_json TEXT NOT NULL,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_started
		ON sweep_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE (workflow.Store interface)
// =============================================================================

func (s *Store) CreateRequest(ctx context.Context, req *workflow.ServiceRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreateRequest(ctx, req)
}

func (s *Store) GetRequest(ctx context.Context, id int64) (*workflow.ServiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetRequest(ctx, id)
}

func (s *Store) GetRequestByUUID(ctx context.Context, uuid string) (*workflow.ServiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetRequestByUUID(ctx, uuid)
}

func (s *Store) ListRequests(ctx context.Context, filter workflow.RequestFilter) ([]workflow.ServiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListRequests(ctx, filter)
}

func (s *Store) UpdateRequest(ctx context.Context, req *workflow.ServiceRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdateRequest(ctx, req)
}

func (s *Store) DuePendingRequests(ctx context.Context, now time.Time, afterID int64, limit int) ([]workflow.ServiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.DuePendingRequests(ctx, now, afterID, limit)
}

func (s *Store) RemindableRequests(ctx context.Context, now, until time.Time, afterID int64, limit int) ([]workflow.ServiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.RemindableRequests(ctx, now, until, afterID, limit)
}

func (s *Store) CreateAllocation(ctx context.Context, alloc *workflow.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreateAllocation(ctx, alloc)
}

func (s *Store) GetAllocation(ctx context.Context, id int64) (*workflow.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetAllocation(ctx, id)
}

func (s *Store) ActiveAllocation(ctx context.Context, requestID int64) (*workflow.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ActiveAllocation(ctx, requestID)
}

func (s *Store) ListAllocations(ctx context.Context, requestID int64) ([]workflow.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListAllocations(ctx, requestID)
}

func (s *Store) UpdateAllocation(ctx context.Context, alloc *workflow.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdateAllocation(ctx, alloc)
}

func (s *Store) DueAllocations(ctx context.Context, now time.Time, afterID int64, limit int) ([]workflow.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.DueAllocations(ctx, now, afterID, limit)
}

func (s *Store) ResourceAllocations(ctx context.Context, resourceID string, dates workflow.DateRange) ([]workflow.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ResourceAllocations(ctx, resourceID, dates)
}

func (s *Store) SaveResource(ctx context.Context, res workflow.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SaveResource(ctx, res)
}

func (s *Store) GetResource(ctx context.Context, id string) (*workflow.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetResource(ctx, id)
}

func (s *Store) ListResources(ctx context.Context, providerID, itemID string) ([]workflow.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListResources(ctx, providerID, itemID)
}

// =============================================================================
// TRANSACTIONAL STORE (workflow.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store workflow.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// BOOKINGS (workflow.BookingStore interface)
// =============================================================================

func (s *Store) CreateBooking(ctx context.Context, b *workflow.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bookings (reference, service_request_id, allocation_id, status,
			total, currency, error_code, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Reference, b.ServiceRequestID, b.AllocationID, b.Status,
		b.Total.Amount.String(), b.Total.Currency,
		nullString(b.ErrorCode), nullString(b.Message), formatTime(b.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("booking for request %d already exists: %w", b.ServiceRequestID, err)
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	b.ID, err = res.LastInsertId()
	return err
}

func (s *Store) BookingForRequest(ctx context.Context, requestID int64) (*workflow.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		b                  workflow.Booking
		total, currency    string
		errorCode, message sql.NullString
		createdAt          string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, reference, service_request_id, allocation_id, status,
			total, currency, error_code, message, created_at
		FROM bookings
		WHERE service_request_id = ? AND status = 'created'`,
		requestID,
	).Scan(&b.ID, &b.Reference, &b.ServiceRequestID, &b.AllocationID, &b.Status,
		&total, &currency, &errorCode, &message, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	b.Total = workflow.Money{Amount: decimal.RequireFromString(total), Currency: currency}
	b.ErrorCode = errorCode.String
	b.Message = message.String
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// =============================================================================
// SWEEP RUNS (workflow.SweepRunStore interface)
// =============================================================================

func (s *Store) SaveSweepRun(ctx context.Context, run workflow.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reportJSON, err := json.Marshal(run.Report)
	if err != nil {
		return fmt.Errorf("failed to encode sweep report: %w", err)
	}
	var completedAt *string
	if run.CompletedAt != nil {
		t := formatTime(*run.CompletedAt)
		completedAt = &t
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, status, report_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			report_json = excluded.report_json,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		run.ID, run.Status, string(reportJSON), nullString(run.Error),
		formatTime(run.StartedAt), completedAt,
	)
	return err
}

// ListSweepRuns returns the most recent runs first.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]workflow.SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, report_json, error, started_at, completed_at
		FROM sweep_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []workflow.SweepRun
	for rows.Next() {
		var (
			r                     workflow.SweepRun
			reportJSON, startedAt string
			runErr, completedAt   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Status, &reportJSON, &runErr, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(reportJSON), &r.Report); err != nil {
			return nil, fmt.Errorf("failed to decode sweep report %s: %w", r.ID, err)
		}
		r.Error = runErr.String
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(completedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"bookings", "allocations", "service_requests", "resources", "sweep_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func formatDay(t time.Time) string {
	return workflow.Day(t).Format(dayLayout)
}

func parseDay(s string) time.Time {
	t, _ := time.Parse(dayLayout, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isActiveAllocationError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "allocations.service_request_id")
}
