/*
Package postgres provides a PostgreSQL implementation of the storage
interfaces on top of gorm.

PURPOSE:
  Production counterpart of store/sqlite. Same semantics, database-level
  concurrency control instead of a process mutex.

CONCURRENCY:
  - Optimistic lock: UPDATE ... WHERE version = ? on service_requests
  - Capacity: inside a unit of work GetResource takes a row lock
    (SELECT ... FOR UPDATE) so two approvals on the same resource check
    capacity one after the other
  - At most one active allocation: partial unique index

SEE ALSO:
  - store/sqlite: SQLite implementation
  - workflow/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seferet/allocation-engine/workflow"
)

// Store implements all storage interfaces using gorm.
type Store struct {
	db   *gorm.DB
	inTx bool
}

// New opens the database behind dsn and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewFromDB(db)
}

// NewFromDB wraps an existing connection and migrates the schema.
func NewFromDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&serviceRequestModel{},
		&allocationModel{},
		&resourceModel{},
		&bookingModel{},
		&sweepRunModel{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// =============================================================================
// MODELS
// =============================================================================

type serviceRequestModel struct {
	ID                int64           `gorm:"column:id;primaryKey;autoIncrement"`
	UUID              string          `gorm:"column:uuid;uniqueIndex;not null"`
	PackageID         string          `gorm:"column:package_id;index;not null"`
	AgentID           string          `gorm:"column:agent_id;index;not null"`
	ProviderID        string          `gorm:"column:provider_id;index:idx_requests_provider;not null"`
	ProviderType      string          `gorm:"column:provider_type;not null"`
	ItemID            string          `gorm:"column:item_id;not null"`
	StartDate         time.Time       `gorm:"column:start_date;type:date;not null"`
	EndDate           time.Time       `gorm:"column:end_date;type:date;not null"`
	RequestedQuantity int             `gorm:"column:requested_quantity;not null"`
	OfferedPrice      decimal.Decimal `gorm:"column:offered_price;type:numeric(14,2);not null"`
	Currency          string          `gorm:"column:currency;size:3;not null"`
	Status            string          `gorm:"column:status;index:idx_requests_status_expires,priority:1;index:idx_requests_provider;not null"`
	ExpiresAt         time.Time       `gorm:"column:expires_at;index:idx_requests_status_expires,priority:2;not null"`
	ExpiredAt         *time.Time      `gorm:"column:expired_at"`
	RespondedBy       string          `gorm:"column:responded_by"`
	RespondedAt       *time.Time      `gorm:"column:responded_at"`
	RejectionReason   string          `gorm:"column:rejection_reason"`
	Notes             string          `gorm:"column:notes"`
	MetadataJSON      string          `gorm:"column:metadata_json;type:text"`
	ReminderSent      bool            `gorm:"column:reminder_sent;not null;default:false"`
	Version           int64           `gorm:"column:version;not null;default:1"`
	CreatedAt         time.Time       `gorm:"column:created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at"`
}

func (serviceRequestModel) TableName() string { return "service_requests" }

type allocationModel struct {
	ID               int64      `gorm:"column:id;primaryKey;autoIncrement"`
	ServiceRequestID int64      `gorm:"column:service_request_id;not null;index:idx_allocations_one_active,unique,where:status = 'active'"`
	ResourceID       string     `gorm:"column:resource_id;not null;index:idx_allocations_resource,priority:1"`
	StartDate        time.Time  `gorm:"column:start_date;type:date;not null;index:idx_allocations_resource,priority:3"`
	EndDate          time.Time  `gorm:"column:end_date;type:date;not null;index:idx_allocations_resource,priority:4"`
	Quantity         int        `gorm:"column:quantity;not null"`
	Status           string     `gorm:"column:status;not null;index:idx_allocations_resource,priority:2;index:idx_allocations_due,priority:1"`
	ExpiresAt        time.Time  `gorm:"column:expires_at;not null;index:idx_allocations_due,priority:2"`
	ReleaseReason    string     `gorm:"column:release_reason"`
	ReleasedAt       *time.Time `gorm:"column:released_at"`
	ReleasedBy       string     `gorm:"column:released_by"`
	AutoReleased     bool       `gorm:"column:auto_released;not null;default:false"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
}

func (allocationModel) TableName() string { return "allocations" }

type resourceModel struct {
	ID           string `gorm:"column:id;primaryKey"`
	ProviderID   string `gorm:"column:provider_id;not null;index:idx_resources_provider_item,priority:1"`
	ProviderType string `gorm:"column:provider_type;not null"`
	ItemID       string `gorm:"column:item_id;not null;index:idx_resources_provider_item,priority:2"`
	Name         string `gorm:"column:name"`
	Capacity     int    `gorm:"column:capacity;not null;check:capacity >= 0"`
}

func (resourceModel) TableName() string { return "resources" }

type bookingModel struct {
	ID               int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Reference        string          `gorm:"column:reference;uniqueIndex;not null"`
	ServiceRequestID int64           `gorm:"column:service_request_id;not null;index:idx_bookings_one_created,unique,where:status = 'created'"`
	AllocationID     int64           `gorm:"column:allocation_id;not null"`
	Status           string          `gorm:"column:status;not null"`
	Total            decimal.Decimal `gorm:"column:total;type:numeric(14,2);not null"`
	Currency         string          `gorm:"column:currency;size:3;not null"`
	ErrorCode        string          `gorm:"column:error_code"`
	Message          string          `gorm:"column:message"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
}

func (bookingModel) TableName() string { return "bookings" }

type sweepRunModel struct {
	ID          string     `gorm:"column:id;primaryKey"`
	Status      string     `gorm:"column:status;not null"`
	ReportJSON  string     `gorm:"column:report_json;type:text;not null"`
	Error       string     `gorm:"column:error"`
	StartedAt   time.Time  `gorm:"column:started_at;index;not null"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

func (sweepRunModel) TableName() string { return "sweep_runs" }

// =============================================================================
// SERVICE REQUESTS
// =============================================================================

func (s *Store) CreateRequest(ctx context.Context, req *workflow.ServiceRequest) error {
	m, err := requestToModel(req)
	if err != nil {
		return err
	}
	m.Version = 1
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to insert service request: %w", err)
	}
	req.ID = m.ID
	req.Version = m.Version
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id int64) (*workflow.ServiceRequest, error) {
	var m serviceRequestModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, workflow.ErrRequestNotFound)
	}
	return modelToRequest(m)
}

func (s *Store) GetRequestByUUID(ctx context.Context, uuid string) (*workflow.ServiceRequest, error) {
	var m serviceRequestModel
	if err := s.db.WithContext(ctx).First(&m, "uuid = ?", uuid).Error; err != nil {
		return nil, notFound(err, workflow.ErrRequestNotFound)
	}
	return modelToRequest(m)
}

func (s *Store) ListRequests(ctx context.Context, f workflow.RequestFilter) ([]workflow.ServiceRequest, error) {
	q := s.db.WithContext(ctx).Model(&serviceRequestModel{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.ProviderID != "" {
		q = q.Where("provider_id = ?", f.ProviderID)
	}
	if f.PackageID != "" {
		q = q.Where("package_id = ?", f.PackageID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var models []serviceRequestModel
	if err := q.Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	return modelsToRequests(models)
}

// UpdateRequest writes the mutable columns when the version still matches.
func (s *Store) UpdateRequest(ctx context.Context, req *workflow.ServiceRequest) error {
	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&serviceRequestModel{}).
		Where("id = ? AND version = ?", req.ID, req.Version).
		Updates(map[string]any{
			"status":           string(req.Status),
			"expires_at":       req.ExpiresAt,
			"expired_at":       req.ExpiredAt,
			"responded_by":     req.RespondedBy,
			"responded_at":     req.RespondedAt,
			"rejection_reason": req.RejectionReason,
			"notes":            req.Notes,
			"metadata_json":    string(metadataJSON),
			"reminder_sent":    req.ReminderSent,
			"version":          gorm.Expr("version + 1"),
			"updated_at":       req.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update service request: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&serviceRequestModel{}).Where("id = ?", req.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return workflow.ErrRequestNotFound
		}
		return workflow.ErrConcurrentModification
	}
	req.Version++
	return nil
}

func (s *Store) DuePendingRequests(ctx context.Context, now time.Time, afterID int64, limit int) ([]workflow.ServiceRequest, error) {
	var models []serviceRequestModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ? AND id > ?", string(workflow.StatusPending), now, afterID).
		Order("id").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, err
	}
	return modelsToRequests(models)
}

func (s *Store) RemindableRequests(ctx context.Context, now, until time.Time, afterID int64, limit int) ([]workflow.ServiceRequest, error) {
	var models []serviceRequestModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND reminder_sent = ? AND expires_at > ? AND expires_at <= ? AND id > ?",
			string(workflow.StatusPending), false, now, until, afterID).
		Order("id").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, err
	}
	return modelsToRequests(models)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (s *Store) CreateAllocation(ctx context.Context, alloc *workflow.Allocation) error {
	m := allocationToModel(alloc)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return workflow.ErrActiveAllocationExists
		}
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	alloc.ID = m.ID
	return nil
}

func (s *Store) GetAllocation(ctx context.Context, id int64) (*workflow.Allocation, error) {
	var m allocationModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, workflow.ErrAllocationNotFound)
	}
	return modelToAllocation(m), nil
}

func (s *Store) ActiveAllocation(ctx context.Context, requestID int64) (*workflow.Allocation, error) {
	var models []allocationModel
	err := s.db.WithContext(ctx).
		Where("service_request_id = ? AND status = ?", requestID, string(workflow.AllocationActive)).
		Limit(1).Find(&models).Error
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	return modelToAllocation(models[0]), nil
}

func (s *Store) ListAllocations(ctx context.Context, requestID int64) ([]workflow.Allocation, error) {
	var models []allocationModel
	if err := s.db.WithContext(ctx).Where("service_request_id = ?", requestID).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	return modelsToAllocations(models), nil
}

func (s *Store) UpdateAllocation(ctx context.Context, alloc *workflow.Allocation) error {
	res := s.db.WithContext(ctx).Model(&allocationModel{}).
		Where("id = ?", alloc.ID).
		Updates(map[string]any{
			"status":         string(alloc.Status),
			"expires_at":     alloc.ExpiresAt,
			"release_reason": alloc.ReleaseReason,
			"released_at":    alloc.ReleasedAt,
			"released_by":    alloc.ReleasedBy,
			"auto_released":  alloc.AutoReleased,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update allocation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return workflow.ErrAllocationNotFound
	}
	return nil
}

func (s *Store) DueAllocations(ctx context.Context, now time.Time, afterID int64, limit int) ([]workflow.Allocation, error) {
	var models []allocationModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ? AND id > ?", string(workflow.AllocationActive), now, afterID).
		Order("id").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, err
	}
	return modelsToAllocations(models), nil
}

func (s *Store) ResourceAllocations(ctx context.Context, resourceID string, dates workflow.DateRange) ([]workflow.Allocation, error) {
	var models []allocationModel
	err := s.db.WithContext(ctx).
		Where("resource_id = ? AND status = ? AND start_date <= ? AND end_date >= ?",
			resourceID, string(workflow.AllocationActive), dates.End, dates.Start).
		Order("id").Find(&models).Error
	if err != nil {
		return nil, err
	}
	return modelsToAllocations(models), nil
}

// =============================================================================
// RESOURCES
// =============================================================================

func (s *Store) SaveResource(ctx context.Context, res workflow.Resource) error {
	m := resourceModel{
		ID:           res.ID,
		ProviderID:   res.ProviderID,
		ProviderType: string(res.ProviderType),
		ItemID:       res.ItemID,
		Name:         res.Name,
		Capacity:     res.Capacity,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
}

// GetResource locks the row when called inside a unit of work.
func (s *Store) GetResource(ctx context.Context, id string) (*workflow.Resource, error) {
	q := s.db.WithContext(ctx)
	if s.inTx {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var m resourceModel
	if err := q.First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, workflow.ErrResourceNotFound)
	}
	return modelToResource(m), nil
}

func (s *Store) ListResources(ctx context.Context, providerID, itemID string) ([]workflow.Resource, error) {
	q := s.db.WithContext(ctx).Where("provider_id = ?", providerID)
	if itemID != "" {
		q = q.Where("item_id = ?", itemID)
	}
	var models []resourceModel
	if err := q.Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]workflow.Resource, 0, len(models))
	for _, m := range models {
		out = append(out, *modelToResource(m))
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(workflow.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, inTx: true})
	})
}

// =============================================================================
// BOOKINGS & SWEEP RUNS
// =============================================================================

func (s *Store) CreateBooking(ctx context.Context, b *workflow.Booking) error {
	m := bookingModel{
		Reference:        b.Reference,
		ServiceRequestID: b.ServiceRequestID,
		AllocationID:     b.AllocationID,
		Status:           string(b.Status),
		Total:            b.Total.Amount,
		Currency:         b.Total.Currency,
		ErrorCode:        b.ErrorCode,
		Message:          b.Message,
		CreatedAt:        b.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	b.ID = m.ID
	return nil
}

func (s *Store) BookingForRequest(ctx context.Context, requestID int64) (*workflow.Booking, error) {
	var models []bookingModel
	err := s.db.WithContext(ctx).
		Where("service_request_id = ? AND status = ?", requestID, string(workflow.BookingCreated)).
		Limit(1).Find(&models).Error
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	m := models[0]
	return &workflow.Booking{
		ID:               m.ID,
		Reference:        m.Reference,
		ServiceRequestID: m.ServiceRequestID,
		AllocationID:     m.AllocationID,
		Status:           workflow.BookingStatus(m.Status),
		Total:            workflow.Money{Amount: m.Total, Currency: m.Currency},
		ErrorCode:        m.ErrorCode,
		Message:          m.Message,
		CreatedAt:        m.CreatedAt,
	}, nil
}

func (s *Store) SaveSweepRun(ctx context.Context, run workflow.SweepRun) error {
	reportJSON, err := json.Marshal(run.Report)
	if err != nil {
		return fmt.Errorf("failed to encode sweep report: %w", err)
	}
	m := sweepRunModel{
		ID:          run.ID,
		Status:      run.Status,
		ReportJSON:  string(reportJSON),
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
}

func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]workflow.SweepRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []sweepRunModel
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	runs := make([]workflow.SweepRun, 0, len(models))
	for _, m := range models {
		r := workflow.SweepRun{
			ID:          m.ID,
			Status:      m.Status,
			Error:       m.Error,
			StartedAt:   m.StartedAt,
			CompletedAt: m.CompletedAt,
		}
		if err := json.Unmarshal([]byte(m.ReportJSON), &r.Report); err != nil {
			return nil, fmt.Errorf("failed to decode sweep report %s: %w", m.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec(
		"TRUNCATE bookings, allocations, service_requests, resources, sweep_runs RESTART IDENTITY",
	).Error
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}
