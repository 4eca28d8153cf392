package model

import "time"

// Role is a user's privilege level at the API gateway.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is an API consumer. Only the SHA-256 hash of the key is stored.
type User struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// IsAdmin reports whether the user may trigger privileged operations.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// APILog is one persisted request record.
type APILog struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId,omitempty"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	StatusCode int       `json:"statusCode"`
	DurationMs int64     `json:"duration"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EndpointCount is one row of a usage report's top endpoints.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int    `json:"count"`
}

// UsageReport aggregates API logs over a reporting window.
type UsageReport struct {
	ID            string          `json:"id"`
	PeriodStart   time.Time       `json:"periodStart"`
	PeriodEnd     time.Time       `json:"periodEnd"`
	TotalRequests int             `json:"totalRequests"`
	UniqueUsers   int             `json:"uniqueUsers"`
	AvgDurationMs float64         `json:"avgDuration"`
	StatusCodes   map[int]int     `json:"statusCodes"`
	TopEndpoints  []EndpointCount `json:"topEndpoints"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Notification is a message for administrators.
type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Subject   string         `json:"subject"`
	Data      map[string]any `json:"data,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditAction names an audited event.
type AuditAction string

const (
	AuditKeyGenerated    AuditAction = "api_key.generated"
	AuditExportRequested AuditAction = "export.requested"
	AuditSyncCompleted   AuditAction = "data.sync.completed"
	AuditSyncFailed      AuditAction = "data.sync.failed"
)

// AuditEntry is one append-only audit_logs row.
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    AuditAction    `json:"action"`
	UserID    string         `json:"userId,omitempty"`
	TargetID  string         `json:"targetId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"errorMessage,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
