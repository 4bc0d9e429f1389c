package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"feedbridge/internal/domain"
)

type AccountStore struct {
	db *sqlx.DB
}

func NewAccountStore(db *sqlx.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) GetByID(ctx context.Context, accountID int64) (*domain.Account, error) {
	query := `SELECT id, access_token, created_at FROM accounts WHERE id = $1`

	var account domain.Account
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &account, query, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", accountID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// UpdateToken replaces the account's downstream credential after the
// account reauthorizes.
func (s *AccountStore) UpdateToken(ctx context.Context, accountID int64, accessToken string) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`UPDATE accounts SET access_token = $2 WHERE id = $1`,
		accountID, accessToken,
	)
	return err
}
