package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type check struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency,omitempty"`
	Error     string `json:"error,omitempty"`
}

type healthBody struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    float64          `json:"uptime"`
	LatencyMs int64            `json:"latency"`
	Checks    map[string]check `json:"checks"`
}

// health pings the store. 200 "ok" when every check passes, else 503
// "degraded".
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]check{}
	if err := s.gateway.Ping(ctx); err != nil {
		s.log.Warn("health: store ping failed", zap.Error(err))
		checks["store"] = check{Status: "unhealthy", Error: err.Error()}
	} else {
		checks["store"] = check{Status: "healthy", LatencyMs: time.Since(start).Milliseconds()}
	}

	body := healthBody{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Seconds(),
		Checks:    checks,
	}
	status := http.StatusOK
	for _, c := range checks {
		if c.Status != "healthy" {
			body.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	body.LatencyMs = time.Since(start).Milliseconds()
	writeJSON(w, status, body)
}
