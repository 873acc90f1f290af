// Package source defines the boundary to the vendor's session-oriented
// reference data API.
package source

import (
	"context"
	"fmt"

	"github.com/pario-ai/chainfetch/pkg/models"
)

// Code is a vendor protocol error code.
type Code string

const (
	CodeConnectionLost  Code = "connection_lost"
	CodeSessionNotReady Code = "session_not_ready"
	CodeRateLimited     Code = "rate_limited"
	CodeTimeout         Code = "timeout"
	CodeAuthDenied      Code = "auth_denied"
	CodeNotEntitled     Code = "not_entitled"
	CodeBadRequest      Code = "bad_request"
)

// ProtocolError is an error reported by the vendor session.
type ProtocolError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Query is one reference data request. Every security is asked for every field.
type Query struct {
	CorrelationID string        `json:"correlation_id"`
	Securities    []string      `json:"securities"`
	Fields        []string      `json:"fields"`
	Period        models.Period `json:"period"`
}

// SecurityData is the vendor payload for one security on one date. Date is
// empty for snapshots. Error carries a per-security vendor error.
type SecurityData struct {
	Security string         `json:"security"`
	Date     string         `json:"date,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Response is the decoded payload of a query.
type Response struct {
	Data []SecurityData `json:"data"`
}

// DataSource opens vendor sessions.
type DataSource interface {
	Connect(ctx context.Context) (Session, error)
}

// Session issues queries over an open vendor session. It must be safe for
// concurrent use.
type Session interface {
	Query(ctx context.Context, q Query) (*Response, error)
	Close() error
}
