// Package types defines the collaborator interfaces of the retry and pool core
package types

import (
	"context"
)

// Link is an established physical session with the server. Framing,
// authentication and TLS live behind it.
type Link interface {
	// Close tears the session down
	Close() error

	// Healthy reports false once the underlying channel broke
	Healthy() bool
}

// ConnectRequest carries what a Connector needs to open one Link
type ConnectRequest struct {
	// ConnectionString is the normalized connection string
	ConnectionString string

	// Credential identifies the security context of the connection
	Credential string

	// Identity is the per-pool security identity within a group
	Identity string
}

// Connector opens physical sessions
type Connector interface {
	Connect(ctx context.Context, req ConnectRequest) (Link, error)
}

// ConnectorFunc adapts a function to the Connector interface
type ConnectorFunc func(ctx context.Context, req ConnectRequest) (Link, error)

// Connect implements Connector
func (f ConnectorFunc) Connect(ctx context.Context, req ConnectRequest) (Link, error) {
	return f(ctx, req)
}

// ErrorCoder is implemented by errors that carry numeric server codes
type ErrorCoder interface {
	ErrorCodes() []int
}

var _ ErrorCoder = (*ServerError)(nil)
