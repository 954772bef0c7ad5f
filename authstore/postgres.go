// Package authstore provides example AuthHandler implementations for
// the server's auth gate (spec.md 4.6), wiring a credential backend
// instead of leaving AuthHandler as a test-only stub.
package authstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Ancify/ancify-sbm/server"
)

// PostgresStore looks up (id, key) credentials against a
// "credentials" table and returns the matching roles/scope as an
// AuthContext.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool against dsn. The caller is
// responsible for calling Close when done.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("authstore: connect: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Handler returns a server.AuthHandler backed by this store. The Key
// parameter is held in a locked buffer for the duration of the lookup
// (see secure.go) so it does not linger in a GC-managed byte slice.
func (s *PostgresStore) Handler() server.AuthHandler {
	return func(ctx context.Context, id, key, scope string) (*server.AuthContext, error) {
		sk, err := newSecureKey(key)
		if err != nil {
			return nil, err
		}
		defer sk.Destroy()

		var storedKey, storedScope string
		var rolesCSV string
		row := s.pool.QueryRow(ctx,
			`SELECT key, scope, roles FROM credentials WHERE user_id = $1`, id)
		if err := row.Scan(&storedKey, &storedScope, &rolesCSV); err != nil {
			return &server.AuthContext{Success: false, IsConnectionAllowed: true}, nil
		}

		if !sk.Equal(storedKey) {
			return &server.AuthContext{Success: false, IsConnectionAllowed: true}, nil
		}
		if scope != "" && scope != storedScope {
			return &server.AuthContext{Success: false, IsConnectionAllowed: true}, nil
		}

		return &server.AuthContext{
			UserID:              id,
			Roles:               splitRoles(rolesCSV),
			Scope:               storedScope,
			Success:             true,
			IsConnectionAllowed: true,
		}, nil
	}
}

func splitRoles(csv string) map[string]struct{} {
	out := map[string]struct{}{}
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out[csv[start:i]] = struct{}{}
			}
			start = i + 1
		}
	}
	return out
}
