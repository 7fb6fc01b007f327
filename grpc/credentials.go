// Package grpc bridges the API client's managed credential into gRPC call
// credentials, for services that expose the admin API over gRPC alongside
// HTTP.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/bskmt/apiclient"
)

// TokenCredentials implements credentials.PerRPCCredentials on top of the
// client's refresh coordinator: every RPC presents a currently valid access
// token, and concurrent RPCs that observe an expired token share one refresh
// exchange.
type TokenCredentials struct {
	Client *apiclient.Client

	// AllowInsecure permits attaching the token on connections without
	// transport security. Only for local development.
	AllowInsecure bool
}

var _ credentials.PerRPCCredentials = (*TokenCredentials)(nil)

// NewTokenCredentials creates call credentials backed by the given client.
func NewTokenCredentials(client *apiclient.Client) *TokenCredentials {
	return &TokenCredentials{Client: client}
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c *TokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	cred, err := c.Client.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": "Bearer " + cred.AccessToken}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c *TokenCredentials) RequireTransportSecurity() bool {
	return !c.AllowInsecure
}

// DialOption returns the grpc.DialOption that attaches these credentials to
// every RPC on a connection.
func (c *TokenCredentials) DialOption() grpc.DialOption {
	return grpc.WithPerRPCCredentials(c)
}
