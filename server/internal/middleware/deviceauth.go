package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"esocore-server/shared/httpx"

	"esocore-server/server/internal/models"
	"esocore-server/server/internal/repos"
)

type deviceKey struct{}

type DeviceStore interface {
	GetBySerial(ctx context.Context, serialNumber string) (models.Device, error)
}

// DeviceAuthMiddleware authenticates device requests by serial number
// and API key. An unknown serial is a not-found, a wrong key is an
// auth failure; key comparison is constant time either way so response
// latency does not reveal whether a key was actually checked.
type DeviceAuthMiddleware struct {
	Devices DeviceStore
	Skip    func(*http.Request) bool
}

func (m DeviceAuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Devices == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "device store not configured", nil)
			return
		}

		serial := strings.TrimSpace(r.Header.Get("X-Device-ID"))
		key := strings.TrimSpace(r.Header.Get("X-Auth-Key"))
		if serial == "" || key == "" {
			unauthorized(w, r)
			return
		}

		device, err := m.Devices.GetBySerial(r.Context(), serial)
		if err != nil {
			if errors.Is(err, repos.ErrDeviceNotFound) {
				// Burn a comparison so unknown serials cost the same
				// as wrong keys.
				subtle.ConstantTimeCompare([]byte(key), []byte(key))
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "unknown device", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
			return
		}

		if subtle.ConstantTimeCompare([]byte(device.APIKey), []byte(key)) != 1 {
			unauthorized(w, r)
			return
		}
		if device.Status != models.DeviceStatusActive {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "device is not active", nil)
			return
		}

		ctx := context.WithValue(r.Context(), deviceKey{}, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid device credentials", nil)
}

func DeviceFromContext(ctx context.Context) (models.Device, bool) {
	if v := ctx.Value(deviceKey{}); v != nil {
		if d, ok := v.(models.Device); ok {
			return d, true
		}
	}
	return models.Device{}, false
}
