package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"feedbridge/internal/domain"
)

type AccountStore interface {
	GetByID(ctx context.Context, accountID int64) (*domain.Account, error)
}

// TokenCache caches account access tokens with a TTL so a burst of
// dispatches for one account costs a single store read.
type TokenCache struct {
	accounts AccountStore
	cache    *expirable.LRU[int64, string]
}

func NewTokenCache(accounts AccountStore, size int, ttl time.Duration) *TokenCache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenCache{
		accounts: accounts,
		cache:    expirable.NewLRU[int64, string](size, nil, ttl),
	}
}

func (c *TokenCache) Token(ctx context.Context, accountID int64) (string, error) {
	if token, ok := c.cache.Get(accountID); ok {
		return token, nil
	}
	account, err := c.accounts.GetByID(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load account %d: %w", accountID, err)
	}
	c.cache.Add(accountID, account.AccessToken)
	return account.AccessToken, nil
}

// Invalidate drops the cached token, used after reauthorization.
func (c *TokenCache) Invalidate(accountID int64) {
	c.cache.Remove(accountID)
}
