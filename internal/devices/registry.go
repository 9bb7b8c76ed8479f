package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/netgate/internal/database"
	"github.com/charlesng35/netgate/internal/models"
	apperrors "github.com/charlesng35/netgate/pkg/errors"
	"github.com/charlesng35/netgate/pkg/logger"
	"github.com/charlesng35/netgate/pkg/metrics"
)

// DefaultMaxDevicesPerUser is the fallback per-user device quota when no
// runtime setting overrides it.
const DefaultMaxDevicesPerUser = 4

const (
	admissionRetries = 3
	admissionBackoff = 25 * time.Millisecond
)

// QuotaExceededError reports a rejected admission together with the numbers
// that produced it, so API responses can show the user what to disconnect.
type QuotaExceededError struct {
	Active int
	Max    int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("device quota exceeded: %d active of %d allowed", e.Active, e.Max)
}

func (e *QuotaExceededError) Unwrap() error {
	return apperrors.ErrQuotaExceeded
}

// AdmitInput describes the device seeking admission.
type AdmitInput struct {
	UserID      string
	Fingerprint Fingerprint
	IPAddress   string
	Name        string
}

// Registry resolves client devices to their stored records and admits new
// ones within the per-user quota.
//
// Admission serialises per user: a keyed mutex collapses same-process racers
// and a locked transaction guards against other writers, so the count of a
// user's active devices can never pass the quota.
type Registry struct {
	db    *gorm.DB
	locks *keyedMutex
	clock func() time.Time
}

// NewRegistry constructs a device registry backed by the given database.
func NewRegistry(db *gorm.DB) (*Registry, error) {
	if db == nil {
		return nil, errors.New("device registry: db is required")
	}
	return &Registry{
		db:    db,
		locks: newKeyedMutex(),
		clock: time.Now,
	}, nil
}

// MaxDevicesForUser returns the effective per-user quota, honouring the
// runtime setting when present.
func (r *Registry) MaxDevicesForUser(ctx context.Context) int {
	return database.GetIntSetting(ctx, r.db, database.SettingMaxDevicesPerUser, DefaultMaxDevicesPerUser)
}

// ResolveOrAdmit returns the user's device matching the fingerprint, creating
// or reactivating it when the quota allows. The quota check and the write
// happen in one transaction; concurrent admissions for the same user are
// serialised so the active-device count never exceeds the quota.
func (r *Registry) ResolveOrAdmit(ctx context.Context, input AdmitInput) (*models.Device, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, apperrors.NewBadRequest("user id is required")
	}
	if input.Fingerprint.Value == "" {
		return nil, apperrors.NewBadRequest("device fingerprint is required")
	}

	unlock := r.locks.lock(userID)
	defer unlock()

	maxDevices := r.MaxDevicesForUser(ctx)

	var device *models.Device
	var err error
	for attempt := 0; attempt < admissionRetries; attempt++ {
		device, err = r.admit(ctx, userID, input, maxDevices)
		if err == nil || !isSerializationError(err) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(admissionBackoff * time.Duration(attempt+1)):
		}
	}
	if err != nil {
		var quotaErr *QuotaExceededError
		if errors.As(err, &quotaErr) {
			metrics.QuotaRejections.Inc()
			logger.Warn("device admission rejected by quota",
				zap.String("user_id", userID),
				zap.Int("active", quotaErr.Active),
				zap.Int("max", quotaErr.Max),
			)
			return nil, err
		}
		return nil, fmt.Errorf("device registry: admit: %w", err)
	}

	return device, nil
}

func (r *Registry) admit(ctx context.Context, userID string, input AdmitInput, maxDevices int) (*models.Device, error) {
	now := r.clock()
	var admitted models.Device
	var created bool
	var reactivated bool

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the owner row so concurrent admissions from other processes
		// serialise on the same user. SQLite has no row locks; its
		// single-writer model covers the same ground.
		owner := tx
		if tx.Dialector.Name() != "sqlite" {
			owner = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var user models.User
		err := owner.
			Select("id", "is_active").
			Take(&user, "id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrInvalidCredentials
		}
		if err != nil {
			return err
		}
		if !user.IsActive {
			return apperrors.ErrAccountInactive
		}

		var device models.Device
		err = tx.Where("user_id = ? AND fingerprint = ?", userID, input.Fingerprint.Value).
			Take(&device).Error
		switch {
		case err == nil:
			if !device.Active {
				active, countErr := countActiveTx(tx, userID)
				if countErr != nil {
					return countErr
				}
				if active >= int64(maxDevices) {
					return &QuotaExceededError{Active: int(active), Max: maxDevices}
				}
				reactivated = true
			}

			updates := map[string]any{
				"active":       true,
				"last_seen_at": now,
			}
			if ip := strings.TrimSpace(input.IPAddress); ip != "" {
				updates["ip_address"] = ip
			}
			if err := tx.Model(&device).Updates(updates).Error; err != nil {
				return err
			}
			device.Active = true
			device.LastSeenAt = now
			if ip := strings.TrimSpace(input.IPAddress); ip != "" {
				device.IPAddress = ip
			}
			admitted = device
			return nil

		case errors.Is(err, gorm.ErrRecordNotFound):
			active, countErr := countActiveTx(tx, userID)
			if countErr != nil {
				return countErr
			}
			if active >= int64(maxDevices) {
				return &QuotaExceededError{Active: int(active), Max: maxDevices}
			}

			device = models.Device{
				UserID:          userID,
				Fingerprint:     input.Fingerprint.Value,
				FingerprintKind: input.Fingerprint.Kind,
				Name:            strings.TrimSpace(input.Name),
				IPAddress:       strings.TrimSpace(input.IPAddress),
				Active:          true,
				LastSeenAt:      now,
			}
			if err := tx.Create(&device).Error; err != nil {
				return err
			}
			created = true
			admitted = device
			return nil

		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}

	if created || reactivated {
		metrics.ActiveDevices.Inc()
	}

	return &admitted, nil
}

func countActiveTx(tx *gorm.DB, userID string) (int64, error) {
	var active int64
	err := tx.Model(&models.Device{}).
		Where("user_id = ? AND active = ?", userID, true).
		Count(&active).Error
	return active, err
}

// Get loads a device by its identifier.
func (r *Registry) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	var device models.Device
	err := r.db.WithContext(ctx).Take(&device, "id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("device registry: get: %w", err)
	}
	return &device, nil
}

// ListForUser returns all of a user's devices, active first, most recently
// seen first within each group.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]models.Device, error) {
	var devices []models.Device
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("active DESC, last_seen_at DESC").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("device registry: list: %w", err)
	}
	return devices, nil
}

// ListActiveForUser returns only the user's active devices.
func (r *Registry) ListActiveForUser(ctx context.Context, userID string) ([]models.Device, error) {
	var devices []models.Device
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("last_seen_at DESC").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("device registry: list active: %w", err)
	}
	return devices, nil
}

// ListActive returns every active device across all users, for startup
// resynchronisation of the packet filter.
func (r *Registry) ListActive(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("device registry: list active: %w", err)
	}
	return devices, nil
}

// Rename updates a device's display name.
func (r *Registry) Rename(ctx context.Context, deviceID, name string) (*models.Device, error) {
	device, err := r.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if err := r.db.WithContext(ctx).Model(device).Update("name", name).Error; err != nil {
		return nil, fmt.Errorf("device registry: rename: %w", err)
	}
	device.Name = name
	return device, nil
}

// MarkGranted records the moment network access was granted to a device.
func (r *Registry) MarkGranted(ctx context.Context, deviceID string) error {
	now := r.clock()
	err := r.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", deviceID).
		Update("granted_at", now).Error
	if err != nil {
		return fmt.Errorf("device registry: mark granted: %w", err)
	}
	return nil
}

// TouchLastSeen bumps a device's last activity timestamp.
func (r *Registry) TouchLastSeen(ctx context.Context, deviceID string) error {
	err := r.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", deviceID).
		Update("last_seen_at", r.clock()).Error
	if err != nil {
		return fmt.Errorf("device registry: touch: %w", err)
	}
	return nil
}

// Deactivate releases a device's quota slot. Deactivating an already inactive
// device is not an error.
func (r *Registry) Deactivate(ctx context.Context, deviceID string) (*models.Device, error) {
	device, err := r.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.Active {
		return device, nil
	}

	result := r.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ? AND active = ?", deviceID, true).
		Updates(map[string]any{"active": false, "granted_at": nil})
	if result.Error != nil {
		return nil, fmt.Errorf("device registry: deactivate: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		metrics.ActiveDevices.Dec()
	}

	device.Active = false
	device.GrantedAt = nil
	return device, nil
}

// DeactivateForUser releases every quota slot a user holds and returns the
// devices that were active.
func (r *Registry) DeactivateForUser(ctx context.Context, userID string) ([]models.Device, error) {
	devices, err := r.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, nil
	}

	result := r.db.WithContext(ctx).Model(&models.Device{}).
		Where("user_id = ? AND active = ?", userID, true).
		Updates(map[string]any{"active": false, "granted_at": nil})
	if result.Error != nil {
		return nil, fmt.Errorf("device registry: deactivate for user: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		metrics.ActiveDevices.Sub(float64(result.RowsAffected))
	}

	for i := range devices {
		devices[i].Active = false
		devices[i].GrantedAt = nil
	}
	return devices, nil
}

// DeactivateIdle releases devices not seen since the cutoff and returns them
// so the caller can tear down their network access.
func (r *Registry) DeactivateIdle(ctx context.Context, cutoff time.Time) ([]models.Device, error) {
	var idle []models.Device
	err := r.db.WithContext(ctx).
		Where("active = ? AND last_seen_at < ?", true, cutoff).
		Find(&idle).Error
	if err != nil {
		return nil, fmt.Errorf("device registry: find idle: %w", err)
	}
	if len(idle) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(idle))
	for _, device := range idle {
		ids = append(ids, device.ID)
	}

	result := r.db.WithContext(ctx).Model(&models.Device{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"active": false, "granted_at": nil})
	if result.Error != nil {
		return nil, fmt.Errorf("device registry: deactivate idle: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		metrics.ActiveDevices.Sub(float64(result.RowsAffected))
	}

	for i := range idle {
		idle[i].Active = false
		idle[i].GrantedAt = nil
	}
	return idle, nil
}

// Delete removes a device record entirely, along with the sessions and
// connection history that reference it.
func (r *Registry) Delete(ctx context.Context, deviceID string) error {
	device, err := r.Get(ctx, deviceID)
	if err != nil {
		return err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Delete(&models.Session{}).Error; err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if err := tx.Where("device_id = ?", deviceID).Delete(&models.Connection{}).Error; err != nil {
			return fmt.Errorf("delete connections: %w", err)
		}
		return tx.Delete(&models.Device{}, "id = ?", deviceID).Error
	})
	if err != nil {
		return fmt.Errorf("device registry: delete: %w", err)
	}
	if device.Active {
		metrics.ActiveDevices.Dec()
	}
	return nil
}

// keyedMutex hands out one mutex per key so unrelated users never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refCountedLock
}

type refCountedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refCountedLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &refCountedLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
