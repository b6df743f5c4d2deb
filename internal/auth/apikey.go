package auth

import (
	"context"
	"errors"
	"fmt"

	"iotportal/internal/keys"

	"github.com/jackc/pgx/v5"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// APIKeys resolves opaque keys issued by devicectl against user_api_keys.
type APIKeys struct {
	db     rowQuerier
	pepper string
}

func NewAPIKeys(db rowQuerier, pepper string) *APIKeys {
	return &APIKeys{db: db, pepper: pepper}
}

func (a *APIKeys) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	var userID string
	err := a.db.QueryRow(ctx, `
		select u.id::text
		from user_api_keys k
		join users u on u.id = k.user_id
		where k.key_hash = $1 and k.revoked_at is null
	`, keys.HashAPIKey(a.pepper, token)).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUnauthenticated
	}
	if err != nil {
		return "", fmt.Errorf("api key lookup: %w", err)
	}
	return userID, nil
}
