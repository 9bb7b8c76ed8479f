package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/netgate/internal/auth"
	"github.com/charlesng35/netgate/internal/devices"
	"github.com/charlesng35/netgate/internal/firewall"
	"github.com/charlesng35/netgate/internal/models"
	"github.com/charlesng35/netgate/internal/services"
	apperrors "github.com/charlesng35/netgate/pkg/errors"
	"github.com/charlesng35/netgate/pkg/logger"
	"github.com/charlesng35/netgate/pkg/metrics"
)

// Config tunes coordinator behaviour.
type Config struct {
	// FailClosed makes a failed firewall grant abort the login. The
	// default is to fail open: the user keeps their credentials and the
	// grant is retried by the maintenance resync.
	FailClosed bool
}

// Coordinator orchestrates the full access lifecycle: credentials, device
// admission, packet filter programming, and the usage ledger. It owns the
// ordering rules between those layers; nothing else calls the firewall
// driver on the login and logout paths.
type Coordinator struct {
	provider    *auth.LocalProvider
	sessions    *auth.SessionService
	registry    *devices.Registry
	driver      firewall.Driver
	connections *services.ConnectionService
	audit       *services.AuditService
	failClosed  bool
	log         *zap.Logger
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	Provider    *auth.LocalProvider
	Sessions    *auth.SessionService
	Registry    *devices.Registry
	Driver      firewall.Driver
	Connections *services.ConnectionService
	Audit       *services.AuditService
}

// NewCoordinator wires an access coordinator from its collaborators.
func NewCoordinator(deps Deps, cfg Config) (*Coordinator, error) {
	switch {
	case deps.Provider == nil:
		return nil, errors.New("access: auth provider is required")
	case deps.Sessions == nil:
		return nil, errors.New("access: session service is required")
	case deps.Registry == nil:
		return nil, errors.New("access: device registry is required")
	case deps.Driver == nil:
		return nil, errors.New("access: firewall driver is required")
	case deps.Connections == nil:
		return nil, errors.New("access: connection service is required")
	}

	return &Coordinator{
		provider:    deps.Provider,
		sessions:    deps.Sessions,
		registry:    deps.Registry,
		driver:      deps.Driver,
		connections: deps.Connections,
		audit:       deps.Audit,
		failClosed:  cfg.FailClosed,
		log:         logger.WithModule("access"),
	}, nil
}

// LoginInput carries everything observed about the client at login.
type LoginInput struct {
	Identifier      string
	Password        string
	MACAddress      string
	IPAddress       string
	UserAgent       string
	DeviceName      string
	ClientSignature string
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	Tokens     auth.TokenPair
	User       *models.User
	Device     *models.Device
	Session    *models.Session
	Connection *models.Connection
	// NetworkGranted is false when the packet filter could not be
	// programmed but the login proceeded fail-open.
	NetworkGranted bool
}

// Login runs the full admission pipeline: authenticate, admit the device
// within quota, issue credentials, open the packet filter, and record the
// connection. The firewall step is last among the fallible ones so a filter
// outage cannot strand half-created state.
func (c *Coordinator) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	user, err := c.provider.Authenticate(auth.AuthenticateInput{
		Identifier: input.Identifier,
		Password:   input.Password,
		IPAddress:  input.IPAddress,
	})
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		c.auditLog(ctx, services.AuditEntry{
			Username:  strings.TrimSpace(input.Identifier),
			Action:    "access.login",
			Result:    "failure",
			IPAddress: input.IPAddress,
			UserAgent: input.UserAgent,
		})
		return nil, translateAuthErr(err)
	}
	metrics.AuthAttempts.WithLabelValues("success").Inc()

	fingerprint, err := devices.ResolveFingerprint(devices.FingerprintInput{
		MACAddress:      input.MACAddress,
		IPAddress:       input.IPAddress,
		ClientSignature: clientSignature(input),
	})
	if err != nil {
		return nil, apperrors.NewBadRequest("unable to identify the connecting device")
	}

	device, err := c.registry.ResolveOrAdmit(ctx, devices.AdmitInput{
		UserID:      user.ID,
		Fingerprint: fingerprint,
		IPAddress:   input.IPAddress,
		Name:        input.DeviceName,
	})
	if err != nil {
		var quotaErr *devices.QuotaExceededError
		if errors.As(err, &quotaErr) {
			c.auditLog(ctx, services.AuditEntry{
				UserID:    &user.ID,
				Username:  user.Username,
				Action:    "access.login",
				Result:    "quota_exceeded",
				IPAddress: input.IPAddress,
				UserAgent: input.UserAgent,
				Metadata:  map[string]any{"active": quotaErr.Active, "max": quotaErr.Max},
			})
		}
		return nil, err
	}

	tokens, session, err := c.sessions.CreateSession(user.ID, auth.SessionMetadata{
		IPAddress: input.IPAddress,
		UserAgent: input.UserAgent,
		DeviceID:  device.ID,
	})
	if err != nil {
		return nil, apperrors.ErrInternalServer.WithInternal(err)
	}

	granted := true
	if err := c.grantNetwork(ctx, device); err != nil {
		if c.failClosed {
			// Unwind: the user never got network access, so the session
			// and the quota slot go back.
			_ = c.sessions.RevokeSession(session.ID)
			_, _ = c.registry.Deactivate(ctx, device.ID)
			c.auditLog(ctx, services.AuditEntry{
				UserID:    &user.ID,
				Username:  user.Username,
				Action:    "access.login",
				Result:    "firewall_failure",
				IPAddress: input.IPAddress,
				UserAgent: input.UserAgent,
			})
			return nil, err
		}
		granted = false
		c.log.Warn("continuing login without network grant",
			zap.String("device_id", device.ID),
			zap.Error(err),
		)
	}

	// One open ledger entry per device: close any leftovers before
	// opening the new window.
	if _, err := c.connections.CloseOpenForDevice(ctx, device.ID); err != nil {
		c.log.Warn("failed to close stale connections", zap.String("device_id", device.ID), zap.Error(err))
	}

	conn, err := c.connections.Open(ctx, user.ID, device.ID, input.IPAddress, map[string]any{
		"user_agent":       input.UserAgent,
		"fingerprint_kind": device.FingerprintKind,
	})
	if err != nil {
		// The grant is live; losing the ledger entry is recoverable.
		c.log.Error("failed to open connection record", zap.String("device_id", device.ID), zap.Error(err))
		conn = nil
	}

	c.auditLog(ctx, services.AuditEntry{
		UserID:    &user.ID,
		Username:  user.Username,
		Action:    "access.login",
		Resource:  device.ID,
		Result:    "success",
		IPAddress: input.IPAddress,
		UserAgent: input.UserAgent,
		Metadata:  map[string]any{"network_granted": granted},
	})

	return &LoginResult{
		Tokens:         tokens,
		User:           user,
		Device:         device,
		Session:        session,
		Connection:     conn,
		NetworkGranted: granted,
	}, nil
}

// Refresh rotates a credential pair.
func (c *Coordinator) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, *models.Session, error) {
	tokens, session, err := c.sessions.RefreshSession(refreshToken)
	if err != nil {
		return auth.TokenPair{}, nil, translateAuthErr(err)
	}
	if session.DeviceID != nil {
		if err := c.registry.TouchLastSeen(ctx, *session.DeviceID); err != nil {
			c.log.Warn("failed to touch device", zap.String("device_id", *session.DeviceID), zap.Error(err))
		}
	}
	return tokens, session, nil
}

// Logout tears down the session's device access: the packet filter closes
// first so the ledger's final counters are the last ones the device could
// have produced, then the ledger entry, the session, and the quota slot.
func (c *Coordinator) Logout(ctx context.Context, refreshToken string) error {
	session, err := c.sessions.SessionByRefreshToken(refreshToken)
	if err != nil {
		return translateAuthErr(err)
	}

	var teardownErr error
	if session.DeviceID != nil {
		teardownErr = c.teardownDevice(ctx, *session.DeviceID)
	}

	// The device teardown revokes device-bound sessions; this covers
	// device-less sessions and is a no-op when already revoked.
	if err := c.sessions.RevokeSession(session.ID); err != nil {
		teardownErr = multierr.Append(teardownErr, translateAuthErr(err))
	}

	c.auditLog(ctx, services.AuditEntry{
		UserID: &session.UserID,
		Action: "access.logout",
		Result: resultLabel(teardownErr),
	})

	return teardownErr
}

// DisconnectDevice force-disconnects one device: revoke its grant, close
// its ledger entry, revoke its sessions, and release its quota slot.
func (c *Coordinator) DisconnectDevice(ctx context.Context, deviceID string) error {
	if _, err := c.registry.Get(ctx, deviceID); err != nil {
		return err
	}

	err := c.teardownDevice(ctx, deviceID)

	c.auditLog(ctx, services.AuditEntry{
		Action:   "access.disconnect_device",
		Resource: deviceID,
		Result:   resultLabel(err),
	})

	return err
}

// teardownDevice is the shared disconnect path. The firewall revoke is
// attempted first but never blocks the logical revocation: on failure the
// ledger still closes, sessions still die, and the quota slot still frees.
// The rule left behind is reported to the caller and cleared by the next
// resync or chain rebuild.
func (c *Coordinator) teardownDevice(ctx context.Context, deviceID string) error {
	device, err := c.registry.Get(ctx, deviceID)
	if err != nil {
		return err
	}

	usage := c.snapshotUsage(ctx, device)

	var errs error
	if device.Fingerprint != "" && device.IPAddress != "" {
		if err := c.driver.Revoke(ctx, deviceGrant(device)); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if conn, err := c.connections.OpenForDevice(ctx, deviceID); err == nil {
		if err := c.connections.Close(ctx, conn.ID, usage); err != nil {
			c.log.Warn("failed to close connection", zap.String("connection_id", conn.ID), zap.Error(err))
		}
	} else if !errors.Is(err, services.ErrConnectionNotFound) {
		c.log.Warn("failed to load open connection", zap.String("device_id", deviceID), zap.Error(err))
	}

	if err := c.sessions.RevokeDeviceSessions(deviceID); err != nil {
		c.log.Warn("failed to revoke device sessions", zap.String("device_id", deviceID), zap.Error(err))
	}

	if _, err := c.registry.Deactivate(ctx, deviceID); err != nil {
		errs = multierr.Append(errs, err)
	}

	return errs
}

// DisconnectUser disconnects all of a user's devices and revokes their
// sessions. Individual firewall failures do not stop the fan-out; they are
// collected and reported together with the number of devices that were
// fully disconnected.
func (c *Coordinator) DisconnectUser(ctx context.Context, userID string) (int, error) {
	active, err := c.registry.ListActiveForUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	disconnected := 0
	var errs error
	for i := range active {
		if err := c.teardownDevice(ctx, active[i].ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("device %s: %w", active[i].ID, err))
			continue
		}
		disconnected++
	}

	if err := c.sessions.RevokeUserSessions(userID); err != nil {
		errs = multierr.Append(errs, err)
	}

	c.auditLog(ctx, services.AuditEntry{
		UserID:   &userID,
		Action:   "access.disconnect_user",
		Result:   resultLabel(errs),
		Metadata: map[string]any{"disconnected": disconnected, "failed": len(multierr.Errors(errs))},
	})

	return disconnected, errs
}

// DisconnectAll sweeps every grant out of the packet filter and closes all
// open ledger entries. Used for emergency shutoff and orderly shutdown.
func (c *Coordinator) DisconnectAll(ctx context.Context) (int, error) {
	removed, sweepErr := c.driver.DisconnectAll(ctx)

	active, err := c.registry.ListActive(ctx)
	if err != nil {
		return removed, multierr.Append(sweepErr, err)
	}

	for i := range active {
		if _, err := c.connections.CloseOpenForDevice(ctx, active[i].ID); err != nil {
			sweepErr = multierr.Append(sweepErr, err)
		}
		if err := c.sessions.RevokeDeviceSessions(active[i].ID); err != nil {
			sweepErr = multierr.Append(sweepErr, err)
		}
		if _, err := c.registry.Deactivate(ctx, active[i].ID); err != nil {
			sweepErr = multierr.Append(sweepErr, err)
		}
	}

	c.auditLog(ctx, services.AuditEntry{
		Action:   "access.disconnect_all",
		Result:   resultLabel(sweepErr),
		Metadata: map[string]any{"removed": removed, "devices": len(active)},
	})

	return removed, sweepErr
}

// SweepIdle disconnects devices that have shown no activity for the given
// duration, releasing their quota slots and firewall grants. Returns how
// many devices were swept.
func (c *Coordinator) SweepIdle(ctx context.Context, idleFor time.Duration) (int, error) {
	if idleFor <= 0 {
		return 0, nil
	}

	idle, err := c.registry.DeactivateIdle(ctx, time.Now().Add(-idleFor))
	if err != nil {
		return 0, err
	}

	var errs error
	for i := range idle {
		device := &idle[i]
		if device.Fingerprint != "" && device.IPAddress != "" {
			if err := c.driver.Revoke(ctx, deviceGrant(device)); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("device %s: %w", device.ID, err))
			}
		}
		if _, err := c.connections.CloseOpenForDevice(ctx, device.ID); err != nil {
			errs = multierr.Append(errs, err)
		}
		if err := c.sessions.RevokeDeviceSessions(device.ID); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if len(idle) > 0 {
		c.log.Info("idle device sweep finished",
			zap.Int("swept", len(idle)),
			zap.Int("failed", len(multierr.Errors(errs))),
		)
	}
	return len(idle), errs
}

// DeviceUsage reads the packet filter counters for a device and refreshes
// its open ledger entry with them. Counters are informational: when the
// filter cannot be queried the result is zeroed rather than an error, so
// an accounting outage never breaks the device view.
func (c *Coordinator) DeviceUsage(ctx context.Context, deviceID string) (firewall.Usage, error) {
	device, err := c.registry.Get(ctx, deviceID)
	if err != nil {
		return firewall.Usage{}, err
	}

	usage, err := c.driver.QueryUsage(ctx, deviceGrant(device))
	if err != nil {
		c.log.Warn("usage query failed", zap.String("device_id", deviceID), zap.Error(err))
		return firewall.Usage{}, nil
	}

	if conn, err := c.connections.OpenForDevice(ctx, deviceID); err == nil {
		if err := c.connections.UpdateCounters(ctx, conn.ID, toCounters(usage)); err != nil &&
			!errors.Is(err, services.ErrConnectionNotFound) {
			c.log.Warn("failed to update counters", zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}

	return usage, nil
}

// Resync reinstalls grants for every active device, typically after a
// restart or a firewall flush. Failures are collected per device.
func (c *Coordinator) Resync(ctx context.Context) (int, error) {
	active, err := c.registry.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	var errs error
	for i := range active {
		device := &active[i]
		if device.Fingerprint == "" || device.IPAddress == "" {
			continue
		}
		if err := c.grantNetwork(ctx, device); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("device %s: %w", device.ID, err))
			continue
		}
		restored++
	}

	c.log.Info("grant resync finished",
		zap.Int("restored", restored),
		zap.Int("failed", len(multierr.Errors(errs))),
	)
	return restored, errs
}

func (c *Coordinator) grantNetwork(ctx context.Context, device *models.Device) error {
	if err := c.driver.Grant(ctx, deviceGrant(device)); err != nil {
		return err
	}
	if err := c.registry.MarkGranted(ctx, device.ID); err != nil {
		c.log.Warn("failed to record grant time", zap.String("device_id", device.ID), zap.Error(err))
	}
	return nil
}

func (c *Coordinator) snapshotUsage(ctx context.Context, device *models.Device) services.UsageCounters {
	usage, err := c.driver.QueryUsage(ctx, deviceGrant(device))
	if err != nil {
		c.log.Warn("failed to snapshot usage", zap.String("device_id", device.ID), zap.Error(err))
		return services.UsageCounters{}
	}
	return toCounters(usage)
}

func (c *Coordinator) auditLog(ctx context.Context, entry services.AuditEntry) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(ctx, entry); err != nil {
		c.log.Warn("failed to write audit entry", zap.String("action", entry.Action), zap.Error(err))
	}
}

// deviceGrant converts a device record to its packet filter identity.
// Derived fingerprints are hashes, not hardware addresses, so those grants
// use a placeholder MAC and rely on the network address match.
func deviceGrant(device *models.Device) firewall.Grant {
	mac := device.Fingerprint
	if device.FingerprintKind != models.FingerprintHardware {
		mac = "00:00:00:00:00:00"
	}
	return firewall.Grant{
		MACAddress: mac,
		IPAddress:  device.IPAddress,
	}
}

func toCounters(usage firewall.Usage) services.UsageCounters {
	return services.UsageCounters{
		BytesIn:    int64(usage.BytesIn),
		BytesOut:   int64(usage.BytesOut),
		PacketsIn:  int64(usage.PacketsIn),
		PacketsOut: int64(usage.PacketsOut),
	}
}

func clientSignature(input LoginInput) string {
	if sig := strings.TrimSpace(input.ClientSignature); sig != "" {
		return sig
	}
	return strings.TrimSpace(input.UserAgent)
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
