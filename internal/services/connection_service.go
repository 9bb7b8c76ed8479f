package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/netgate/internal/models"
)

// ErrConnectionNotFound indicates the requested connection does not exist.
var ErrConnectionNotFound = errors.New("connection: not found")

// UsageCounters is a snapshot of traffic accounting for an open connection.
// Counters are advisory; zero values are valid when accounting is unavailable.
type UsageCounters struct {
	BytesIn    int64
	BytesOut   int64
	PacketsIn  int64
	PacketsOut int64
}

// ConnectionListOptions controls pagination for connection history queries.
type ConnectionListOptions struct {
	Page     int
	PageSize int
	OpenOnly bool
}

// ConnectionService is the usage ledger: it records when a device's network
// access opens and closes and keeps best-effort traffic counters while open.
type ConnectionService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewConnectionService constructs a ConnectionService.
func NewConnectionService(db *gorm.DB) (*ConnectionService, error) {
	if db == nil {
		return nil, errors.New("connection service: db is required")
	}
	return &ConnectionService{db: db, now: time.Now}, nil
}

// Open records the start of a granted access window for a device.
func (s *ConnectionService) Open(ctx context.Context, userID, deviceID, ipAddress string, metadata map[string]any) (*models.Connection, error) {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("connection service: user id is required")
	}
	if strings.TrimSpace(deviceID) == "" {
		return nil, errors.New("connection service: device id is required")
	}

	conn := &models.Connection{
		UserID:    userID,
		DeviceID:  deviceID,
		IPAddress: strings.TrimSpace(ipAddress),
		StartedAt: s.now(),
	}

	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("connection service: marshal metadata: %w", err)
		}
		conn.Metadata = datatypes.JSON(encoded)
	}

	if err := s.db.WithContext(ctx).Create(conn).Error; err != nil {
		return nil, fmt.Errorf("connection service: open: %w", err)
	}

	return conn, nil
}

// UpdateCounters refreshes traffic counters on an open connection. Closed
// connections are left untouched.
func (s *ConnectionService) UpdateCounters(ctx context.Context, connectionID string, usage UsageCounters) error {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).
		Model(&models.Connection{}).
		Where("id = ? AND closed_at IS NULL", connectionID).
		Updates(map[string]any{
			"bytes_in":    usage.BytesIn,
			"bytes_out":   usage.BytesOut,
			"packets_in":  usage.PacketsIn,
			"packets_out": usage.PacketsOut,
		})
	if result.Error != nil {
		return fmt.Errorf("connection service: update counters: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// Close finalises a connection with its last counter snapshot. Closing an
// already-closed connection is a no-op.
func (s *ConnectionService) Close(ctx context.Context, connectionID string, usage UsageCounters) error {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).
		Model(&models.Connection{}).
		Where("id = ? AND closed_at IS NULL", connectionID).
		Updates(map[string]any{
			"closed_at":   s.now(),
			"bytes_in":    usage.BytesIn,
			"bytes_out":   usage.BytesOut,
			"packets_in":  usage.PacketsIn,
			"packets_out": usage.PacketsOut,
		})
	if result.Error != nil {
		return fmt.Errorf("connection service: close: %w", result.Error)
	}
	return nil
}

// CloseOpenForDevice closes every open connection referencing the device,
// returning how many were closed.
func (s *ConnectionService) CloseOpenForDevice(ctx context.Context, deviceID string) (int64, error) {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).
		Model(&models.Connection{}).
		Where("device_id = ? AND closed_at IS NULL", deviceID).
		Update("closed_at", s.now())
	if result.Error != nil {
		return 0, fmt.Errorf("connection service: close for device: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CloseOpenForUser closes every open connection belonging to the user.
func (s *ConnectionService) CloseOpenForUser(ctx context.Context, userID string) (int64, error) {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).
		Model(&models.Connection{}).
		Where("user_id = ? AND closed_at IS NULL", userID).
		Update("closed_at", s.now())
	if result.Error != nil {
		return 0, fmt.Errorf("connection service: close for user: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// OpenForDevice returns the currently open connection for a device, if any.
func (s *ConnectionService) OpenForDevice(ctx context.Context, deviceID string) (*models.Connection, error) {
	ctx = ensureContext(ctx)

	var conn models.Connection
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND closed_at IS NULL", deviceID).
		Order("started_at DESC").
		Take(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("connection service: open for device: %w", err)
	}
	return &conn, nil
}

// ListForUser returns paginated connection history for a user, newest first.
func (s *ConnectionService) ListForUser(ctx context.Context, userID string, opts ConnectionListOptions) ([]models.Connection, int64, error) {
	return s.list(ctx, "user_id", userID, opts)
}

// ListForDevice returns paginated connection history for a device, newest first.
func (s *ConnectionService) ListForDevice(ctx context.Context, deviceID string, opts ConnectionListOptions) ([]models.Connection, int64, error) {
	return s.list(ctx, "device_id", deviceID, opts)
}

func (s *ConnectionService) list(ctx context.Context, column, id string, opts ConnectionListOptions) ([]models.Connection, int64, error) {
	ctx = ensureContext(ctx)

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	query := s.db.WithContext(ctx).Model(&models.Connection{}).Where(column+" = ?", id)
	if opts.OpenOnly {
		query = query.Where("closed_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("connection service: count: %w", err)
	}

	var results []models.Connection
	if err := query.
		Order("started_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("connection service: list: %w", err)
	}

	return results, total, nil
}
