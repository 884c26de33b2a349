package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/seferet/allocation-engine/workflow"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the SQL of workflow.Store. The Store runs it on the
// database under its mutex, WithTx runs it on the transaction.
type queries struct {
	db querier
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// SERVICE REQUESTS
// =============================================================================

const requestColumns = `id, uuid, package_id, agent_id, provider_id, provider_type, item_id,
	start_date, end_date, requested_quantity, offered_price, currency, status,
	expires_at, expired_at, responded_by, responded_at, rejection_reason, notes,
	metadata_json, reminder_sent, version, created_at, updated_at`

func (q queries) CreateRequest(ctx context.Context, req *workflow.ServiceRequest) error {
	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO service_requests
		(uuid, package_id, agent_id, provider_id, provider_type, item_id,
		 start_date, end_date, requested_quantity, offered_price, currency, status,
		 expires_at, expired_at, responded_by, responded_at, rejection_reason, notes,
		 metadata_json, reminder_sent, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		req.UUID, req.PackageID, req.AgentID, req.ProviderID, req.ProviderType, req.ItemID,
		formatDay(req.Dates.Start), formatDay(req.Dates.End), req.RequestedQuantity,
		req.OfferedPrice.Amount.String(), req.OfferedPrice.Currency, req.Status,
		formatTime(req.ExpiresAt), formatNullTime(req.ExpiredAt),
		nullString(req.RespondedBy), formatNullTime(req.RespondedAt),
		nullString(req.RejectionReason), nullString(req.Notes),
		string(metadataJSON), req.ReminderSent,
		formatTime(req.CreatedAt), formatTime(req.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert service request: %w", err)
	}
	if req.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	req.Version = 1
	return nil
}

func (q queries) GetRequest(ctx context.Context, id int64) (*workflow.ServiceRequest, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrRequestNotFound
	}
	return req, err
}

func (q queries) GetRequestByUUID(ctx context.Context, uuid string) (*workflow.ServiceRequest, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE uuid = ?`, uuid)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrRequestNotFound
	}
	return req, err
}

func (q queries) ListRequests(ctx context.Context, f workflow.RequestFilter) ([]workflow.ServiceRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.ProviderID != "" {
		where = append(where, "provider_id = ?")
		args = append(args, f.ProviderID)
	}
	if f.PackageID != "" {
		where = append(where, "package_id = ?")
		args = append(args, f.PackageID)
	}

	query := `SELECT ` + requestColumns + ` FROM service_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return q.queryRequests(ctx, query, args...)
}

// UpdateRequest writes every mutable column when the version still matches.
func (q queries) UpdateRequest(ctx context.Context, req *workflow.ServiceRequest) error {
	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE service_requests SET
			status = ?, expires_at = ?, expired_at = ?, responded_by = ?, responded_at = ?,
			rejection_reason = ?, notes = ?, metadata_json = ?, reminder_sent = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		req.Status, formatTime(req.ExpiresAt), formatNullTime(req.ExpiredAt),
		nullString(req.RespondedBy), formatNullTime(req.RespondedAt),
		nullString(req.RejectionReason), nullString(req.Notes),
		string(metadataJSON), req.ReminderSent, formatTime(req.UpdatedAt),
		req.ID, req.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update service request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_requests WHERE id = ?`, req.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return workflow.ErrRequestNotFound
		}
		return workflow.ErrConcurrentModification
	}
	req.Version++
	return nil
}

func (q queries) DuePendingRequests(ctx context.Context, now time.Time, afterID int64, limit int) ([]workflow.ServiceRequest, error) {
	return q.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM service_requests
		WHERE status = 'pending' AND expires_at <= ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		formatTime(now), afterID, limit)
}

func (q queries) RemindableRequests(ctx context.Context, now, until time.Time, afterID int64, limit int) ([]workflow.ServiceRequest, error) {
	return q.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM service_requests
		WHERE status = 'pending' AND reminder_sent = FALSE
		  AND expires_at > ? AND expires_at <= ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		formatTime(now), formatTime(until), afterID, limit)
}

func (q queries) queryRequests(ctx context.Context, query string, args ...any) ([]workflow.ServiceRequest, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query service requests: %w", err)
	}
	defer rows.Close()

	var out []workflow.ServiceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func scanRequest(row scanner) (*workflow.ServiceRequest, error) {
	var (
		req                                 workflow.ServiceRequest
		startDate, endDate                  string
		price, currency                     string
		expiresAt, createdAt, updatedAt     string
		expiredAt, respondedAt              sql.NullString
		respondedBy, rejectionReason, notes sql.NullString
		metadataJSON                        sql.NullString
	)
	err := row.Scan(
		&req.ID, &req.UUID, &req.PackageID, &req.AgentID, &req.ProviderID, &req.ProviderType, &req.ItemID,
		&startDate, &endDate, &req.RequestedQuantity, &price, &currency, &req.Status,
		&expiresAt, &expiredAt, &respondedBy, &respondedAt, &rejectionReason, &notes,
		&metadataJSON, &req.ReminderSent, &req.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan service request: %w", err)
	}

	req.Dates = workflow.DateRange{Start: parseDay(startDate), End: parseDay(endDate)}
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("invalid offered price %q on request %d: %w", price, req.ID, err)
	}
	req.OfferedPrice = workflow.Money{Amount: amount, Currency: currency}
	req.ExpiresAt = parseTime(expiresAt)
	req.ExpiredAt = parseNullTime(expiredAt)
	req.RespondedBy = respondedBy.String
	req.RespondedAt = parseNullTime(respondedAt)
	req.RejectionReason = rejectionReason.String
	req.Notes = notes.String
	req.CreatedAt = parseTime(createdAt)
	req.UpdatedAt = parseTime(updatedAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &req.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata on request %d: %w", req.ID, err)
		}
	}
	return &req, nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

const allocationColumns = `id, service_request_id, resource_id, start_date, end_date, quantity,
	status, expires_at, release_reason, released_at, released_by, auto_released, created_at`

func (q queries) CreateAllocation(ctx context.Context, alloc *workflow.Allocation) error {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO allocations
		(service_request_id, resource_id, start_date, end_date, quantity, status,
		 expires_at, release_reason, released_at, released_by, auto_released, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alloc.ServiceRequestID, alloc.ResourceID,
		formatDay(alloc.Dates.Start), formatDay(alloc.Dates.End), alloc.Quantity, alloc.Status,
		formatTime(alloc.ExpiresAt), nullString(alloc.ReleaseReason), formatNullTime(alloc.ReleasedAt),
		nullString(alloc.ReleasedBy), alloc.AutoReleased, formatTime(alloc.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && isActiveAllocationError(err) {
			return workflow.ErrActiveAllocationExists
		}
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	alloc.ID, err = res.LastInsertId()
	return err
}

func (q queries) GetAllocation(ctx context.Context, id int64) (*workflow.Allocation, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrAllocationNotFound
	}
	return a, err
}

func (q queries) ActiveAllocation(ctx context.Context, requestID int64) (*workflow.Allocation, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE service_request_id = ? AND status = 'active'`,
		requestID)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (q queries) ListAllocations(ctx context.Context, requestID int64) ([]workflow.Allocation, error) {
	return q.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE service_request_id = ? ORDER BY id`,
		requestID)
}

// UpdateAllocation writes the release audit fields. Range and quantity never change.
func (q queries) UpdateAllocation(ctx context.Context, alloc *workflow.Allocation) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE allocations SET
			status = ?, expires_at = ?, release_reason = ?, released_at = ?,
			released_by = ?, auto_released = ?
		WHERE id = ?`,
		alloc.Status, formatTime(alloc.ExpiresAt), nullString(alloc.ReleaseReason),
		formatNullTime(alloc.ReleasedAt), nullString(alloc.ReleasedBy), alloc.AutoReleased,
		alloc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return workflow.ErrAllocationNotFound
	}
	return nil
}

func (q queries) DueAllocations(ctx context.Context, now time.Time, afterID int64, limit int) ([]workflow.Allocation, error) {
	return q.queryAllocations(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE status = 'active' AND expires_at < ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		formatTime(now), afterID, limit)
}

func (q queries) ResourceAllocations(ctx context.Context, resourceID string, dates workflow.DateRange) ([]workflow.Allocation, error) {
	return q.queryAllocations(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE resource_id = ? AND status = 'active'
		  AND start_date <= ? AND end_date >= ?
		ORDER BY id`,
		resourceID, formatDay(dates.End), formatDay(dates.Start))
}

func (q queries) queryAllocations(ctx context.Context, query string, args ...any) ([]workflow.Allocation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var out []workflow.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAllocation(row scanner) (*workflow.Allocation, error) {
	var (
		a                         workflow.Allocation
		startDate, endDate        string
		expiresAt, createdAt      string
		releaseReason, releasedBy sql.NullString
		releasedAt                sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.ServiceRequestID, &a.ResourceID, &startDate, &endDate, &a.Quantity,
		&a.Status, &expiresAt, &releaseReason, &releasedAt, &releasedBy, &a.AutoReleased, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan allocation: %w", err)
	}
	a.Dates = workflow.DateRange{Start: parseDay(startDate), End: parseDay(endDate)}
	a.ExpiresAt = parseTime(expiresAt)
	a.ReleaseReason = releaseReason.String
	a.ReleasedAt = parseNullTime(releasedAt)
	a.ReleasedBy = releasedBy.String
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// =============================================================================
// RESOURCES
// =============================================================================

func (q queries) SaveResource(ctx context.Context, res workflow.Resource) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO resources (id, provider_id, provider_type, item_id, name, capacity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_id = excluded.provider_id,
			provider_type = excluded.provider_type,
			item_id = excluded.item_id,
			name = excluded.name,
			capacity = excluded.capacity`,
		res.ID, res.ProviderID, res.ProviderType, res.ItemID, res.Name, res.Capacity,
	)
	if err != nil {
		return fmt.Errorf("failed to save resource: %w", err)
	}
	return nil
}

func (q queries) GetResource(ctx context.Context, id string) (*workflow.Resource, error) {
	var res workflow.Resource
	err := q.db.QueryRowContext(ctx, `
		SELECT id, provider_id, provider_type, item_id, name, capacity
		FROM resources WHERE id = ?`, id,
	).Scan(&res.ID, &res.ProviderID, &res.ProviderType, &res.ItemID, &res.Name, &res.Capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load resource: %w", err)
	}
	return &res, nil
}

func (q queries) ListResources(ctx context.Context, providerID, itemID string) ([]workflow.Resource, error) {
	query := `SELECT id, provider_id, provider_type, item_id, name, capacity FROM resources WHERE provider_id = ?`
	args := []any{providerID}
	if itemID != "" {
		query += " AND item_id = ?"
		args = append(args, itemID)
	}
	query += " ORDER BY id"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	var out []workflow.Resource
	for rows.Next() {
		var res workflow.Resource
		if err := rows.Scan(&res.ID, &res.ProviderID, &res.ProviderType, &res.ItemID, &res.Name, &res.Capacity); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
