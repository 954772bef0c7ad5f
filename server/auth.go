// Auth gate (C7): the server-side handshake on the reserved "_auth_"
// channel and the access-control guards handler bodies call.
package server

import (
	"context"
	"sync/atomic"

	"github.com/Ancify/ancify-sbm/dispatch"
	"github.com/Ancify/ancify-sbm/errs"
	"github.com/Ancify/ancify-sbm/message"
)

// AuthStatus mirrors the per-connection handshake progress (spec.md
// 3, 4.6).
type AuthStatus int

const (
	AuthNone AuthStatus = iota
	AuthAuthenticating
	AuthAuthenticated
	AuthFailed
)

// AuthContext is the per-client authentication record established by
// the handshake (spec.md 3). A connection holds no context (nil) until
// its first handshake; each handshake, successful or failed, stores its
// resulting context by atomic swap, and a stored context is never
// mutated.
type AuthContext struct {
	UserID              string
	Roles               map[string]struct{}
	Scope               string
	Success             bool
	IsConnectionAllowed bool
	SessionData         interface{}
}

// HasRole reports whether role is in the context's role set.
func (a *AuthContext) HasRole(role string) bool {
	if a == nil {
		return false
	}
	_, ok := a.Roles[role]
	return ok
}

// AuthHandler validates (id, key, scope) and returns the resulting
// AuthContext. A nil AuthHandler means every handshake fails closed
// (Success=false, IsConnectionAllowed=false).
type AuthHandler func(ctx context.Context, id, key, scope string) (*AuthContext, error)

// authState is the mutable-by-atomic-swap authentication state one
// ConnectedClient carries.
type authState struct {
	status atomic.Value // AuthStatus
	ctx    atomic.Value // *AuthContext
}

func newAuthState() *authState {
	s := &authState{}
	s.status.Store(AuthNone)
	s.ctx.Store((*AuthContext)(nil))
	return s
}

func (s *authState) Status() AuthStatus { return s.status.Load().(AuthStatus) }

func (s *authState) setStatus(v AuthStatus) { s.status.Store(v) }

func (s *authState) Context() *AuthContext { return s.ctx.Load().(*AuthContext) }

func (s *authState) setContext(c *AuthContext) { s.ctx.Store(c) }

// installAuthGate pre-registers the "_auth_" handler implementing
// spec.md 4.6 steps 1-5.
func installAuthGate(cc *ConnectedClient, handler AuthHandler) dispatch.UnregisterFunc {
	return cc.Dispatcher.RegisterAsync(authChannel, func(ctx context.Context, m *message.Message) (*message.Message, error) {
		cc.auth.setStatus(AuthAuthenticating)

		data, _ := m.Data.(map[string]interface{})
		id, _ := data["Id"].(string)
		key, _ := data["Key"].(string)
		scope, _ := data["Scope"].(string)

		var authCtx *AuthContext
		var err error
		if handler != nil {
			authCtx, err = handler(ctx, id, key, scope)
			if err != nil {
				authCtx = &AuthContext{Success: false, IsConnectionAllowed: false}
			}
		} else {
			authCtx = &AuthContext{Success: false, IsConnectionAllowed: false}
		}
		if authCtx == nil {
			authCtx = &AuthContext{Success: false, IsConnectionAllowed: false}
		}

		if !authCtx.Success {
			cc.auth.setStatus(AuthFailed)
			cc.auth.setContext(authCtx)
			cc.server.metrics().IncAuthFailures()
			reply := message.FromReply(m, map[string]interface{}{"Success": false})
			if !authCtx.IsConnectionAllowed {
				// Reply before closing so the peer observes {Success:false}
				// and then Disconnected, matching scenario 4 of spec.md 8.
				_ = cc.Dispatcher.Send(ctx, stampSelf(reply, m))
				cc.Dispatcher.Transport().Close()
				return nil, nil
			}
			return reply, nil
		}

		cc.auth.setStatus(AuthAuthenticated)
		cc.auth.setContext(authCtx)
		cc.Dispatcher.Transport().OnAuthenticated()
		return message.FromReply(m, map[string]interface{}{"Success": true}), nil
	})
}

// stampSelf stamps ReplyTo/TargetID before a direct Dispatcher.Send
// call (outside the normal invokeOne reply path); SenderID is left to
// Dispatcher.Send itself, which always stamps the server-origin
// sentinel.
func stampSelf(reply, request *message.Message) *message.Message {
	reply.ReplyTo = request.MessageID
	reply.TargetID = request.SenderID
	return reply
}

// Require fails with *errs.UnauthorizedError unless the connection has
// completed a successful handshake. Pass false to assert the
// connection has NOT authenticated.
func (cc *ConnectedClient) Require(authenticated bool) error {
	ok := cc.auth.Status() == AuthAuthenticated && cc.auth.Context() != nil && cc.auth.Context().Success
	if ok != authenticated {
		return &errs.UnauthorizedError{Reason: "authentication state mismatch"}
	}
	return nil
}

// RequireRole fails unless the connection is authenticated, carries
// role (when non-empty), and matches scope (when non-empty).
func (cc *ConnectedClient) RequireRole(role, scope string) error {
	if err := cc.Require(true); err != nil {
		return err
	}
	ctx := cc.auth.Context()
	if role != "" && !ctx.HasRole(role) {
		return &errs.UnauthorizedError{Reason: "missing required role " + role}
	}
	if scope != "" && ctx.Scope != scope {
		return &errs.UnauthorizedError{Reason: "scope mismatch"}
	}
	return nil
}

// RequireAny fails unless the connection is authenticated and holds at
// least one of roles (when roles is non-empty) and matches at least one
// of scopes (when scopes is non-empty). A nil/empty slice means
// unconstrained for that dimension.
func (cc *ConnectedClient) RequireAny(roles, scopes []string) error {
	if err := cc.Require(true); err != nil {
		return err
	}
	ctx := cc.auth.Context()
	if len(roles) > 0 {
		ok := false
		for _, r := range roles {
			if ctx.HasRole(r) {
				ok = true
				break
			}
		}
		if !ok {
			return &errs.UnauthorizedError{Reason: "none of the required roles present"}
		}
	}
	if len(scopes) > 0 {
		ok := false
		for _, s := range scopes {
			if ctx.Scope == s {
				ok = true
				break
			}
		}
		if !ok {
			return &errs.UnauthorizedError{Reason: "scope not in allowed set"}
		}
	}
	return nil
}

// RequireAll fails unless the connection is authenticated and holds
// every role in roles and matches every scope in scopes ("every scope"
// is only meaningful for a single active scope; multiple entries with
// different values can never all match, so RequireAll always fails for
// them).
func (cc *ConnectedClient) RequireAll(roles, scopes []string) error {
	if err := cc.Require(true); err != nil {
		return err
	}
	ctx := cc.auth.Context()
	for _, r := range roles {
		if !ctx.HasRole(r) {
			return &errs.UnauthorizedError{Reason: "missing required role " + r}
		}
	}
	for _, s := range scopes {
		if ctx.Scope != s {
			return &errs.UnauthorizedError{Reason: "scope mismatch on " + s}
		}
	}
	return nil
}
