package database

import (
	"context"
	"time"
)

// StatementOptions are the ambient settings applied to every prepared call
// before its parameters are bound.
type StatementOptions struct {
	// QueryTimeout bounds the whole call, harvest included. 0 disables it.
	QueryTimeout time.Duration `yaml:"queryTimeout"`

	// FetchSize is a per-round-trip row hint passed to the driver.
	FetchSize int `yaml:"fetchSize"`

	// MaxRows caps the rows kept per result set; extra rows are discarded.
	// 0 means unlimited.
	MaxRows int `yaml:"maxRows"`
}

// Apply configures stmt. It must run before any parameter is bound.
func (o StatementOptions) Apply(stmt CallableStatement) {
	if o.FetchSize > 0 {
		stmt.SetFetchSize(o.FetchSize)
	}
}

// WithTimeout derives the call context from QueryTimeout.
func (o StatementOptions) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.QueryTimeout)
}
