package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/eleven-am/voice-client/internal/shared"
	"github.com/eleven-am/voice-client/internal/transport"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Session is the read-only view of a voice session the status endpoints report on.
type Session interface {
	ID() string
	Phase() transport.Phase
	UpstreamSessionID() string
	Adapter() string
	BufferedFrames() int
	PendingPlayback() int
	Recording() bool
}

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines    int    `json:"goroutines"`
	MemoryAllocMB uint64 `json:"memory_alloc_mb"`
	NumGC         uint32 `json:"num_gc"`
}

type SessionStats struct {
	ID                string `json:"id"`
	Phase             string `json:"phase"`
	Ready             bool   `json:"ready"`
	Adapter           string `json:"adapter"`
	UpstreamSessionID string `json:"upstream_session_id,omitempty"`
	BufferedFrames    int    `json:"buffered_frames"`
	PendingPlayback   int    `json:"pending_playback"`
	Recording         bool   `json:"recording"`
}

type StatusResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Session       SessionStats               `json:"session"`
	Runtime       RuntimeStats               `json:"runtime"`
	Components    map[string]ComponentStatus `json:"components,omitempty"`
}

type Handler struct {
	session   Session
	redis     *redis.Client
	metrics   http.Handler
	version   string
	startTime time.Time
}

// NewHandler builds the status handler. redis and metrics are optional.
func NewHandler(session Session, redis *redis.Client, metrics http.Handler, version string) *Handler {
	return &Handler{
		session:   session,
		redis:     redis,
		metrics:   metrics,
		version:   version,
		startTime: time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
	e.GET("/status", h.Status)
	if h.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.metrics))
	}
}

func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Readiness succeeds only once the session can carry audio end to end.
func (h *Handler) Readiness(c echo.Context) error {
	phase := h.session.Phase()
	if phase != transport.PhaseReady {
		return shared.NewAPIError("not_ready", "voice session is not ready").
			WithDetails(map[string]string{"phase": phase.String()}).
			ToHTTP(http.StatusServiceUnavailable)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ready",
		"phase":  phase.String(),
	})
}

func (h *Handler) Status(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]ComponentStatus)
	if h.redis != nil {
		components["redis"] = h.checkRedis(ctx)
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	phase := h.session.Phase()
	resp := StatusResponse{
		Status:        h.computeOverallStatus(phase, components),
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Session: SessionStats{
			ID:                h.session.ID(),
			Phase:             phase.String(),
			Ready:             phase == transport.PhaseReady,
			Adapter:           h.session.Adapter(),
			UpstreamSessionID: h.session.UpstreamSessionID(),
			BufferedFrames:    h.session.BufferedFrames(),
			PendingPlayback:   h.session.PendingPlayback(),
			Recording:         h.session.Recording(),
		},
		Runtime: RuntimeStats{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: memStats.Alloc / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Components: components,
	}

	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) checkRedis(ctx context.Context) ComponentStatus {
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "ping failed",
		}
	}
	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// Redis only feeds the event fan-out, so losing it degrades but never fails the client.
func (h *Handler) computeOverallStatus(phase transport.Phase, components map[string]ComponentStatus) Status {
	if phase == transport.PhaseDisconnected {
		return StatusUnhealthy
	}
	if phase != transport.PhaseReady {
		return StatusDegraded
	}
	for _, status := range components {
		if status.Status != StatusHealthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}
