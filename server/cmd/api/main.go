package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"esocore-server/shared/authx"
	"esocore-server/shared/config"
	"esocore-server/shared/dbx"
	"esocore-server/shared/httpx"
	"esocore-server/shared/logx"
	"esocore-server/shared/metricsx"
	"esocore-server/shared/observability"
	"esocore-server/shared/sitex"

	"esocore-server/server/internal/middleware"
	"esocore-server/server/internal/models"
	"esocore-server/server/internal/repos"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type eventResponse struct {
	EventID        string          `json:"event_id"`
	SiteID         string          `json:"site_id"`
	DeviceID       *string         `json:"device_id,omitempty"`
	AssetID        *string         `json:"asset_id,omitempty"`
	EventType      string          `json:"event_type"`
	Severity       string          `json:"severity"`
	Status         string          `json:"status"`
	Message        string          `json:"message"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy *string         `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy     *string         `json:"resolved_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type notificationResponse struct {
	EntryID      string     `json:"entry_id"`
	RuleID       string     `json:"rule_id"`
	EventID      string     `json:"event_id"`
	SiteID       string     `json:"site_id"`
	Channel      string     `json:"channel"`
	Target       string     `json:"target"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	IsEscalation bool       `json:"is_escalation"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type ruleResponse struct {
	RuleID          string                 `json:"rule_id"`
	SiteID          *string                `json:"site_id,omitempty"`
	Name            string                 `json:"name"`
	EventType       string                 `json:"event_type"`
	Scope           string                 `json:"scope"`
	DeviceID        *string                `json:"device_id,omitempty"`
	AssetID         *string                `json:"asset_id,omitempty"`
	Condition       models.RuleCondition   `json:"condition"`
	CooldownMinutes int                    `json:"cooldown_minutes"`
	Channels        []models.ChannelTarget `json:"channels"`
	Escalation      *models.Escalation     `json:"escalation,omitempty"`
	Enabled         bool                   `json:"enabled"`
	CreatedAt       time.Time              `json:"created_at"`
}

type deviceResponse struct {
	DeviceID        string     `json:"device_id"`
	SiteID          string     `json:"site_id"`
	AssetID         *string    `json:"asset_id,omitempty"`
	SerialNumber    string     `json:"serial_number"`
	Model           string     `json:"model"`
	FirmwareVersion string     `json:"firmware_version"`
	RolloutChannel  string     `json:"rollout_channel"`
	Status          string     `json:"status"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func main() {
	cfg, readyProblems := config.Load("telemetry-api", 8081)
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

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer == "" || cfg.OIDCAudience == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "OIDC_ISSUER and OIDC_AUDIENCE are required"})
	} else {
		var err error
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: err.Error()})
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

	var (
		eventsRepo        *repos.EventsRepo
		notificationsRepo *repos.NotificationsRepo
		alertsRepo        *repos.AlertsRepo
		devicesRepo       *repos.DevicesRepo
		auditRepo         *repos.AuditRepo
	)
	if dbPool != nil {
		eventsRepo = repos.NewEventsRepo(dbPool)
		notificationsRepo = repos.NewNotificationsRepo(dbPool)
		alertsRepo = repos.NewAlertsRepo(dbPool)
		devicesRepo = repos.NewDevicesRepo(dbPool)
		auditRepo = repos.NewAuditRepo(dbPool)
	}

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

	mux.HandleFunc("GET /api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		scope, ok := sitex.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "no site scope", nil)
			return
		}
		filter := repos.EventFilter{
			Status:    strings.TrimSpace(r.URL.Query().Get("status")),
			Severity:  strings.TrimSpace(r.URL.Query().Get("severity")),
			EventType: strings.TrimSpace(r.URL.Query().Get("event_type")),
			Limit:     queryInt(r, "limit", 50),
			Offset:    queryInt(r, "offset", 0),
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("device_id")); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "device_id must be a UUID", nil)
				return
			}
			filter.DeviceID = &id
		}
		items, err := eventsRepo.List(r.Context(), scope, filter)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not list events", nil)
			return
		}
		out := make([]eventResponse, 0, len(items))
		for _, e := range items {
			out = append(out, toEventResponse(e))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
	})

	mux.HandleFunc("POST /api/v1/events/{id}/acknowledge", func(w http.ResponseWriter, r *http.Request) {
		transitionEvent(w, r, eventsRepo, eventsRepo.Acknowledge)
	})
	mux.HandleFunc("POST /api/v1/events/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
		transitionEvent(w, r, eventsRepo, eventsRepo.Resolve)
	})
	mux.HandleFunc("POST /api/v1/events/{id}/suppress", func(w http.ResponseWriter, r *http.Request) {
		transitionEvent(w, r, eventsRepo, eventsRepo.Suppress)
	})

	mux.HandleFunc("GET /api/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		scope, ok := sitex.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "no site scope", nil)
			return
		}
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		items, err := notificationsRepo.List(r.Context(), scope, status, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not list notifications", nil)
			return
		}
		out := make([]notificationResponse, 0, len(items))
		for _, n := range items {
			out = append(out, toNotificationResponse(n))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
	})

	mux.HandleFunc("GET /api/v1/alert-rules", func(w http.ResponseWriter, r *http.Request) {
		scope, ok := sitex.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "no site scope", nil)
			return
		}
		items, err := alertsRepo.List(r.Context(), scope, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not list alert rules", nil)
			return
		}
		out := make([]ruleResponse, 0, len(items))
		for _, rule := range items {
			out = append(out, toRuleResponse(rule))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
	})

	mux.HandleFunc("GET /api/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		scope, ok := sitex.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "no site scope", nil)
			return
		}
		raw := strings.TrimSpace(r.URL.Query().Get("site_id"))
		if raw == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "site_id is required", nil)
			return
		}
		siteID, err := uuid.Parse(raw)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "site_id must be a UUID", nil)
			return
		}
		if !scope.CanAccess(siteID) {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "site not accessible", nil)
			return
		}
		items, err := devicesRepo.ListBySite(r.Context(), siteID, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not list devices", nil)
			return
		}
		out := make([]deviceResponse, 0, len(items))
		for _, d := range items {
			out = append(out, toDeviceResponse(d))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	openPaths := map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}
	skipOpen := func(r *http.Request) bool { return openPaths[r.URL.Path] }

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled,
		Repo:    auditRepo,
		Logger:  logger,
		Skip:    skipOpen,
	}.Wrap(handler)
	handler = middleware.SiteScopeMiddleware{Skip: skipOpen}.Wrap(handler)
	handler = middleware.AuthMiddleware{Verifier: verifier, Skip: skipOpen}.Wrap(handler)
	handler = middleware.DBRequiredMiddleware{Pool: dbPool, Skip: skipOpen}.Wrap(handler)
	handler = middleware.CORSMiddleware{AllowCredentials: true, MaxAge: 10 * time.Minute}.Wrap(handler)
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
			slog.Bool("audit_enabled", cfg.AuditEnabled),
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

// transitionEvent handles acknowledge/resolve: the caller must see the
// event's site and the transition must be legal for its current status.
func transitionEvent(
	w http.ResponseWriter,
	r *http.Request,
	events *repos.EventsRepo,
	apply func(ctx context.Context, eventID uuid.UUID, actor string) (models.SystemEvent, error),
) {
	scope, ok := sitex.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "no site scope", nil)
		return
	}
	eventID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "event id must be a UUID", nil)
		return
	}

	current, err := events.GetByID(r.Context(), eventID)
	if errors.Is(err, repos.ErrEventNotFound) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "event not found", nil)
		return
	}
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not load event", nil)
		return
	}
	if !scope.CanAccess(current.SiteID) {
		httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "site not accessible", nil)
		return
	}

	updated, err := apply(r.Context(), eventID, scope.Subject)
	if errors.Is(err, repos.ErrInvalidEventTransition) {
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "event status does not allow this transition", nil)
		return
	}
	if errors.Is(err, repos.ErrEventNotFound) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "event not found", nil)
		return
	}
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not update event", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toEventResponse(updated))
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func toEventResponse(e models.SystemEvent) eventResponse {
	return eventResponse{
		EventID:        e.EventID.String(),
		SiteID:         e.SiteID.String(),
		DeviceID:       uuidString(e.DeviceID),
		AssetID:        uuidString(e.AssetID),
		EventType:      e.EventType,
		Severity:       e.Severity,
		Status:         e.Status,
		Message:        e.Message,
		Payload:        e.Payload,
		OccurredAt:     e.OccurredAt,
		AcknowledgedAt: e.AcknowledgedAt,
		AcknowledgedBy: e.AcknowledgedBy,
		ResolvedAt:     e.ResolvedAt,
		ResolvedBy:     e.ResolvedBy,
		CreatedAt:      e.CreatedAt,
	}
}

func toNotificationResponse(n models.NotificationQueueEntry) notificationResponse {
	return notificationResponse{
		EntryID:      n.EntryID.String(),
		RuleID:       n.RuleID.String(),
		EventID:      n.EventID.String(),
		SiteID:       n.SiteID.String(),
		Channel:      n.Channel,
		Target:       n.Target,
		Status:       n.Status,
		RetryCount:   n.RetryCount,
		MaxRetries:   n.MaxRetries,
		IsEscalation: n.IsEscalation,
		NextRetryAt:  n.NextRetryAt,
		SentAt:       n.SentAt,
		ErrorMessage: n.ErrorMessage,
		CreatedAt:    n.CreatedAt,
	}
}

func toRuleResponse(rule models.AlertRule) ruleResponse {
	return ruleResponse{
		RuleID:          rule.RuleID.String(),
		SiteID:          uuidString(rule.SiteID),
		Name:            rule.Name,
		EventType:       rule.EventType,
		Scope:           rule.Scope,
		DeviceID:        uuidString(rule.DeviceID),
		AssetID:         uuidString(rule.AssetID),
		Condition:       rule.Condition,
		CooldownMinutes: rule.CooldownMinutes,
		Channels:        rule.Channels,
		Escalation:      rule.Escalation,
		Enabled:         rule.Enabled,
		CreatedAt:       rule.CreatedAt,
	}
}

func toDeviceResponse(d models.Device) deviceResponse {
	return deviceResponse{
		DeviceID:        d.DeviceID.String(),
		SiteID:          d.SiteID.String(),
		AssetID:         uuidString(d.AssetID),
		SerialNumber:    d.SerialNumber,
		Model:           d.Model,
		FirmwareVersion: d.FirmwareVersion,
		RolloutChannel:  d.RolloutChannel,
		Status:          d.Status,
		LastSeenAt:      d.LastSeenAt,
		CreatedAt:       d.CreatedAt,
	}
}
