// Package gate guards the consumer edge: authentication, role-based
// authorization, and per-socket rate limiting.
package gate

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/beamcode/beamcode/pkg/types"
)

// Token bucket tuning: capacity 100, refilled at 100 tokens per 60 seconds.
const (
	bucketCapacity = 100
	refillTokens   = 100.0
	refillWindowMs = 60_000.0
)

// ConnectionContext carries transport-level facts about a connecting socket.
type ConnectionContext struct {
	SessionID  string
	RemoteAddr string
	Headers    map[string]string
}

// Authenticator is the external identity provider. Returning (nil, nil)
// rejects the consumer without a transport error.
type Authenticator interface {
	Authenticate(ctx context.Context, socket types.SocketLike, connCtx ConnectionContext) (*types.ConsumerIdentity, error)
}

// Gate wraps the configured authenticator. A nil authenticator admits
// everyone with a generated anonymous identity.
type Gate struct {
	authenticator Authenticator

	mu      sync.Mutex
	pending map[types.SocketLike]context.CancelFunc
}

// New creates a gate. authenticator may be nil.
func New(authenticator Authenticator) *Gate {
	return &Gate{
		authenticator: authenticator,
		pending:       make(map[types.SocketLike]context.CancelFunc),
	}
}

// HasAuthenticator reports whether an external authenticator is configured.
func (g *Gate) HasAuthenticator() bool {
	return g.authenticator != nil
}

// Authenticate runs the configured authenticator for the socket. The
// attempt is tracked so CancelPendingAuth can abort it when the socket
// closes mid-handshake.
func (g *Gate) Authenticate(ctx context.Context, socket types.SocketLike, connCtx ConnectionContext) (*types.ConsumerIdentity, error) {
	if g.authenticator == nil {
		return nil, fmt.Errorf("no authenticator configured")
	}

	authCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.pending[socket] = cancel
	g.mu.Unlock()

	defer func() {
		cancel()
		g.mu.Lock()
		delete(g.pending, socket)
		g.mu.Unlock()
	}()

	return g.authenticator.Authenticate(authCtx, socket, connCtx)
}

// CancelPendingAuth aborts an in-flight authentication for the socket.
func (g *Gate) CancelPendingAuth(socket types.SocketLike) {
	g.mu.Lock()
	cancel, ok := g.pending[socket]
	if ok {
		delete(g.pending, socket)
	}
	g.mu.Unlock()

	if ok {
		cancel()
	}
}

// AnonymousIdentity builds the identity for the n-th anonymous consumer of
// a session.
func AnonymousIdentity(n int) types.ConsumerIdentity {
	return types.ConsumerIdentity{
		UserID:      fmt.Sprintf("anonymous-%d", n),
		DisplayName: fmt.Sprintf("User %d", n),
		Role:        types.RoleParticipant,
	}
}

// Authorize enforces RBAC for an inbound message type. Observers are
// read-only: every write attempt is rejected.
func Authorize(identity types.ConsumerIdentity, messageType string) error {
	if identity.Role == types.RoleParticipant {
		return nil
	}

	switch messageType {
	case types.InboundUserMessage, types.InboundPermissionResponse,
		types.InboundInterrupt, types.InboundSlashCommand,
		types.InboundSetModel, types.InboundSetPermissionMode,
		types.InboundSetAdapter:
		return fmt.Errorf("observers cannot send %s", messageType)
	default:
		return fmt.Errorf("observers cannot send %s", messageType)
	}
}

// NewBucket creates a fresh token bucket for one socket. Buckets start full.
func NewBucket() *rate.Limiter {
	perMs := refillTokens / refillWindowMs
	return rate.NewLimiter(rate.Limit(perMs*1000), bucketCapacity)
}

// CheckRateLimit admits or rejects one message against the socket's bucket.
func CheckRateLimit(bucket *rate.Limiter) bool {
	if bucket == nil {
		return true
	}
	return bucket.Allow()
}
