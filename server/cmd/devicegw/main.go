package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"esocore-server/shared/cachex"
	"esocore-server/shared/config"
	"esocore-server/shared/dbx"
	"esocore-server/shared/httpx"
	"esocore-server/shared/influxx"
	"esocore-server/shared/logx"
	"esocore-server/shared/metricsx"
	"esocore-server/shared/observability"

	"esocore-server/server/internal/alerting"
	"esocore-server/server/internal/intake"
	"esocore-server/server/internal/middleware"
	"esocore-server/server/internal/models"
	"esocore-server/server/internal/ota"
	"esocore-server/server/internal/repos"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type samplingRates struct {
	SampleIntervalSeconds int `json:"sample_interval_seconds"`
	ReportIntervalSeconds int `json:"report_interval_seconds"`
}

type configResponse struct {
	SamplingRates samplingRates               `json:"sampling_rates"`
	Thresholds    map[string]models.Threshold `json:"thresholds"`
	NTPServers    []string                    `json:"ntp_servers"`
	Endpoints     map[string]string           `json:"endpoints"`
	Version       int                         `json:"version,omitempty"`
	UpdatedAt     *time.Time                  `json:"updated_at,omitempty"`
}

type otaCheckResponse struct {
	Available      bool   `json:"available"`
	Version        string `json:"version,omitempty"`
	Hash           string `json:"hash,omitempty"`
	DownloadURL    string `json:"download_url,omitempty"`
	SizeBytes      int64  `json:"size_bytes,omitempty"`
	ReleaseNotes   string `json:"release_notes,omitempty"`
	CurrentVersion string `json:"current_version,omitempty"`
}

type otaReportRequest struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

type handshakeResponse struct {
	Nonce      string `json:"nonce"`
	ServerTime string `json:"server_time"`
	Version    string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("device-gateway", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	var shutdownTracer func(context.Context) error
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Error(context.Background(), "otel_init_failed", "otel init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	} else {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: err.Error()})
		}
	}
	if dbPool != nil {
		defer dbPool.Close()
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		var err error
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "cache_init_failed", "config cache disabled",
				slog.String("error", err.Error()),
			)
		}
	}
	if cache != nil {
		defer cache.Close()
	}

	var mirror intake.PointMirror
	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "time-series mirror disabled",
				slog.String("error", err.Error()),
			)
		} else {
			mirror = influx
			defer influx.Close()
		}
	}

	var (
		devicesRepo   *repos.DevicesRepo
		telemetryRepo *repos.TelemetryRepo
		eventsRepo    *repos.EventsRepo
		alertsRepo    *repos.AlertsRepo
		firmwareRepo  *repos.FirmwareRepo
	)
	var ingestSvc *intake.Service
	var otaResolver *ota.Resolver
	if dbPool != nil {
		devicesRepo = repos.NewDevicesRepo(dbPool)
		telemetryRepo = repos.NewTelemetryRepo(dbPool)
		eventsRepo = repos.NewEventsRepo(dbPool)
		alertsRepo = repos.NewAlertsRepo(dbPool)
		firmwareRepo = repos.NewFirmwareRepo(dbPool)

		evaluator := alerting.NewEvaluator(alertsRepo, alertsRepo, logger, cfg.DispatchDefaultMaxRetry)
		ingestSvc = intake.NewService(telemetryRepo, devicesRepo, eventsRepo, evaluator, mirror, logger)
		otaResolver = ota.NewResolver(firmwareRepo, devicesRepo, eventsRepo, evaluator, logger)
	}

	configTTL := time.Duration(cfg.ConfigCacheTTLSec) * time.Second

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database unavailable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("POST /api/iot/handshake", func(w http.ResponseWriter, r *http.Request) {
		device, ok := middleware.DeviceFromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid device credentials", nil)
			return
		}
		nonce := make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
			return
		}
		logger.Info(r.Context(), "device_handshake", "device handshake",
			slog.String("device_id", device.DeviceID.String()),
			slog.String("serial_number", device.SerialNumber),
		)
		httpx.WriteJSON(w, http.StatusOK, handshakeResponse{
			Nonce:      hex.EncodeToString(nonce),
			ServerTime: time.Now().UTC().Format(time.RFC3339),
			Version:    version,
		})
	})

	mux.Handle("POST /api/iot/telemetry/batch", telemetryBatchHandler(ingestSvc, cfg.IngestMaxBodyBytes, cfg.IngestMaxBatchSize, logger))

	mux.HandleFunc("GET /api/iot/config", func(w http.ResponseWriter, r *http.Request) {
		device, ok := middleware.DeviceFromContext(r.Context())
		if !ok || devicesRepo == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "config unavailable", nil)
			return
		}

		cacheKey := "device_config:" + device.DeviceID.String()
		if cache != nil {
			var cached configResponse
			if found, err := cache.GetJSON(r.Context(), cacheKey, &cached); err == nil && found {
				httpx.WriteJSON(w, http.StatusOK, cached)
				return
			}
		}

		deviceCfg, found, err := devicesRepo.GetConfiguration(r.Context(), device.DeviceID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not load configuration", nil)
			return
		}
		resp := configResponse{
			Thresholds: map[string]models.Threshold{},
			NTPServers: []string{},
			Endpoints:  map[string]string{},
		}
		if found {
			resp.Version = deviceCfg.Version
			resp.SamplingRates = samplingRates{
				SampleIntervalSeconds: deviceCfg.SampleIntervalSeconds,
				ReportIntervalSeconds: deviceCfg.ReportIntervalSeconds,
			}
			if deviceCfg.Thresholds != nil {
				resp.Thresholds = deviceCfg.Thresholds
			}
			if deviceCfg.NTPServers != nil {
				resp.NTPServers = deviceCfg.NTPServers
			}
			if deviceCfg.Endpoints != nil {
				resp.Endpoints = deviceCfg.Endpoints
			}
			updatedAt := deviceCfg.UpdatedAt
			resp.UpdatedAt = &updatedAt
		}
		if cache != nil && configTTL > 0 {
			if err := cache.SetJSON(r.Context(), cacheKey, resp, configTTL); err != nil {
				logger.Warn(r.Context(), "cache_write_failed", "config cache write failed",
					slog.String("device_id", device.DeviceID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /api/iot/ota/check", func(w http.ResponseWriter, r *http.Request) {
		device, ok := middleware.DeviceFromContext(r.Context())
		if !ok || otaResolver == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "ota unavailable", nil)
			return
		}
		decision, err := otaResolver.Resolve(r.Context(), device)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not resolve firmware", nil)
			return
		}
		if !decision.Available {
			metricsx.IncOTACheck("none")
			httpx.WriteJSON(w, http.StatusOK, otaCheckResponse{
				Available:      false,
				CurrentVersion: device.FirmwareVersion,
			})
			return
		}
		metricsx.IncOTACheck("update")
		httpx.WriteJSON(w, http.StatusOK, otaCheckResponse{
			Available:    true,
			Version:      decision.Bundle.Version,
			Hash:         decision.Bundle.ChecksumSHA256,
			DownloadURL:  decision.Bundle.FileURL,
			SizeBytes:    decision.Bundle.SizeBytes,
			ReleaseNotes: decision.Bundle.ReleaseNotes,
		})
	})

	mux.HandleFunc("POST /api/iot/ota/report", func(w http.ResponseWriter, r *http.Request) {
		device, ok := middleware.DeviceFromContext(r.Context())
		if !ok || otaResolver == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "ota unavailable", nil)
			return
		}
		var req otaReportRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, cfg.IngestMaxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
			return
		}
		report := ota.Report{
			Status:  strings.ToLower(strings.TrimSpace(req.Status)),
			Version: strings.TrimSpace(req.Version),
			Detail:  strings.TrimSpace(req.Error),
		}
		if err := report.Validate(); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		if _, err := otaResolver.RecordReport(r.Context(), device, report); err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not record ota report", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "reported"})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	openPaths := map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}
	skipOpen := func(r *http.Request) bool { return openPaths[r.URL.Path] }

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DeviceAuthMiddleware{Devices: devicesRepo, Skip: skipOpen}.Wrap(handler)
	handler = middleware.DBRequiredMiddleware{Pool: dbPool, Skip: skipOpen}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewClientRateLimiter(20, 60, 10*time.Minute),
		Skip:    skipOpen,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

// telemetryBatchHandler ingests one device batch. The idempotency key
// is mandatory; an optional Content-SHA256 is verified over the raw
// body before anything is written, and the body is a bare JSON array
// of readings.
func telemetryBatchHandler(ingest *intake.Service, maxBodyBytes int64, maxBatchSize int, logger logx.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device, ok := middleware.DeviceFromContext(r.Context())
		if !ok || ingest == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "ingest unavailable", nil)
			return
		}

		idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if idempotencyKey == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "Idempotency-Key header is required", nil)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "INVALID_ARGUMENT", "request body too large", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "could not read request body", nil)
			return
		}

		declared := strings.TrimSpace(r.Header.Get("Content-SHA256"))
		if declared != "" && !intake.ChecksumMatches(body, declared) {
			httpx.WriteError(w, r, http.StatusBadRequest, "INTEGRITY", "body does not match declared checksum", nil)
			return
		}

		var batch intake.Batch
		if err := json.Unmarshal(body, &batch); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "request body must be a json array of readings", nil)
			return
		}
		if len(batch.Items) == 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "batch contains no items", nil)
			return
		}
		if len(batch.Items) > maxBatchSize {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT",
				fmt.Sprintf("batch exceeds %d items", maxBatchSize), nil)
			return
		}

		result, err := ingest.Process(r.Context(), device, idempotencyKey, declared, batch)
		if err != nil {
			logger.Error(r.Context(), "ingest_failed", "batch ingest failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("device_id", device.DeviceID.String()),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "batch ingest failed", nil)
			return
		}
		if result.Duplicate {
			httpx.WriteJSON(w, http.StatusConflict, result)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, result)
	}
}
