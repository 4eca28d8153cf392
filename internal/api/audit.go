package api

import (
	"context"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/model"
)

// audit appends e for the requesting user. Failures are logged and never
// reach the client.
func (s *Server) audit(r *http.Request, e model.AuditEntry) {
	e.ID = ulid.Make().String()
	if u := UserFrom(r.Context()); u != nil {
		e.UserID = u.ID
	}
	e.IP = clientIP(r)
	e.UserAgent = r.UserAgent()
	e.Timestamp = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	if err := s.gateway.AppendAudit(ctx, e); err != nil {
		s.log.Warn("api: append audit",
			zap.String("action", string(e.Action)),
			zap.String("request_id", requestID(r)),
			zap.Error(err),
		)
	}
}
