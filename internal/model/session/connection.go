package session

import "time"

// Role 表示连接在握手时声明的身份。
type Role string

const (
	RoleUnknown Role = "unknown"
	RoleClient  Role = "client"
	RoleConsole Role = "console"
)

// ParseRole normalizes a declared role; anything else is RoleUnknown.
func ParseRole(raw string) Role {
	switch Role(raw) {
	case RoleClient:
		return RoleClient
	case RoleConsole:
		return RoleConsole
	default:
		return RoleUnknown
	}
}

// Connection is one live transport channel.
type Connection struct {
	ID          string    `json:"connectionId"`
	Role        Role      `json:"role"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// VisitorRecord is the presence view of a client connection.
type VisitorRecord struct {
	VisitorID    string    `json:"visitorId"`
	ConnectionID string    `json:"-"`
	OriginHint   string    `json:"originHint"`
	UserAgent    string    `json:"userAgent,omitempty"`
	FirstSeenAt  time.Time `json:"firstSeenAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}
