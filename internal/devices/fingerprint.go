package devices

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"strings"

	"github.com/charlesng35/netgate/internal/models"
)

// ErrNoFingerprintMaterial is returned when neither a hardware address nor
// enough client material is available to identify the device.
var ErrNoFingerprintMaterial = errors.New("devices: no fingerprint material")

// Fingerprint is the resolved identity of a client device.
type Fingerprint struct {
	// Value is the normalized identifier devices are keyed by: a canonical
	// MAC address, or a hex digest for derived identities.
	Value string
	// Kind is models.FingerprintHardware or models.FingerprintDerived.
	Kind string
}

// FingerprintInput carries the raw client observations a fingerprint is
// resolved from.
type FingerprintInput struct {
	// MACAddress as observed on the local segment, in any textual form
	// net.ParseMAC accepts. Empty when the client is not on-link.
	MACAddress string
	// IPAddress of the client. Used only for the derived fallback.
	IPAddress string
	// ClientSignature is a stable string describing the client software,
	// typically the User-Agent. Used only for the derived fallback.
	ClientSignature string
}

// ResolveFingerprint turns raw client observations into a device identity.
//
// A usable MAC address always wins. Without one the identity is derived by
// hashing the network address together with the client signature; that value
// is stable across requests but spoofable, and is marked as such so callers
// can treat it with less trust.
func ResolveFingerprint(input FingerprintInput) (Fingerprint, error) {
	if mac := strings.TrimSpace(input.MACAddress); mac != "" {
		hw, err := net.ParseMAC(mac)
		if err == nil {
			return Fingerprint{
				Value: strings.ToLower(hw.String()),
				Kind:  models.FingerprintHardware,
			}, nil
		}
	}

	ip := strings.TrimSpace(input.IPAddress)
	sig := strings.TrimSpace(input.ClientSignature)
	if ip == "" || sig == "" {
		return Fingerprint{}, ErrNoFingerprintMaterial
	}

	sum := sha256.Sum256([]byte(ip + "\x00" + sig))
	return Fingerprint{
		Value: hex.EncodeToString(sum[:]),
		Kind:  models.FingerprintDerived,
	}, nil
}
