package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"esocore-server/server/internal/models"
	"esocore-server/server/internal/repos"
)

type fakeDeviceStore struct {
	devices map[string]models.Device
}

func (f *fakeDeviceStore) GetBySerial(ctx context.Context, serialNumber string) (models.Device, error) {
	device, ok := f.devices[serialNumber]
	if !ok {
		return models.Device{}, repos.ErrDeviceNotFound
	}
	return device, nil
}

func testDevice(status string) models.Device {
	return models.Device{
		DeviceID:     uuid.New(),
		SiteID:       uuid.New(),
		SerialNumber: "ESO-0001",
		APIKey:       "secret-key",
		Status:       status,
	}
}

func deviceAuthHandler(store *fakeDeviceStore, captured *models.Device) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d, ok := DeviceFromContext(r.Context()); ok && captured != nil {
			*captured = d
		}
		w.WriteHeader(http.StatusOK)
	})
	return DeviceAuthMiddleware{Devices: store}.Wrap(next)
}

func TestDeviceAuthAccepts(t *testing.T) {
	device := testDevice(models.DeviceStatusActive)
	store := &fakeDeviceStore{devices: map[string]models.Device{device.SerialNumber: device}}

	var got models.Device
	handler := deviceAuthHandler(store, &got)

	req := httptest.NewRequest(http.MethodGet, "/api/iot/config", nil)
	req.Header.Set("X-Device-ID", device.SerialNumber)
	req.Header.Set("X-Auth-Key", device.APIKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got.DeviceID != device.DeviceID {
		t.Fatalf("device not found in context")
	}
}

func TestDeviceAuthRejects(t *testing.T) {
	device := testDevice(models.DeviceStatusActive)
	store := &fakeDeviceStore{devices: map[string]models.Device{device.SerialNumber: device}}
	handler := deviceAuthHandler(store, nil)

	cases := []struct {
		name   string
		serial string
		key    string
		code   int
	}{
		{"wrong key", device.SerialNumber, "wrong", http.StatusUnauthorized},
		{"unknown serial", "ESO-9999", device.APIKey, http.StatusNotFound},
		{"missing key", device.SerialNumber, "", http.StatusUnauthorized},
		{"missing serial", "", device.APIKey, http.StatusUnauthorized},
	}
	bodies := map[int][]string{}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/iot/config", nil)
		if tc.serial != "" {
			req.Header.Set("X-Device-ID", tc.serial)
		}
		if tc.key != "" {
			req.Header.Set("X-Auth-Key", tc.key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.code, rec.Code)
		}
		bodies[rec.Code] = append(bodies[rec.Code], rec.Body.String())
	}
	for code, group := range bodies {
		for i := 1; i < len(group); i++ {
			if group[i] != group[0] {
				t.Fatalf("status %d responses differ between cases: %q vs %q", code, group[0], group[i])
			}
		}
	}
}

func TestDeviceAuthRejectsInactiveDevice(t *testing.T) {
	device := testDevice(models.DeviceStatusMaintenance)
	store := &fakeDeviceStore{devices: map[string]models.Device{device.SerialNumber: device}}
	handler := deviceAuthHandler(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/iot/config", nil)
	req.Header.Set("X-Device-ID", device.SerialNumber)
	req.Header.Set("X-Auth-Key", device.APIKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestDeviceAuthSkip(t *testing.T) {
	handler := DeviceAuthMiddleware{
		Devices: &fakeDeviceStore{},
		Skip:    func(r *http.Request) bool { return r.URL.Path == "/healthz" },
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on skipped path, got %d", rec.Code)
	}
}
