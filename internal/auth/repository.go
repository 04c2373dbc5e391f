// Package auth keeps the shop's platform credentials and authenticates dashboard operators.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/autoverify/internal/db"
)

var (
	ErrNoActiveAuthorization = errors.New("no active shop authorization")
	// ErrConcurrentSave is returned when another writer activated a credential first.
	ErrConcurrentSave = errors.New("shop authorization saved concurrently")
)

type ShopAuthorization struct {
	ID           int64      `json:"id" db:"id"`
	ShopID       string     `json:"shop_id" db:"shop_id"`
	ShopName     string     `json:"shop_name" db:"shop_name"`
	AccessToken  string     `json:"-" db:"access_token"`
	RefreshToken string     `json:"-" db:"refresh_token"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

func (a *ShopAuthorization) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

type Repository interface {
	Active(ctx context.Context) (*ShopAuthorization, error)
	// Save deactivates every stored credential and writes a as the single active one.
	Save(ctx context.Context, a *ShopAuthorization) error
}

const (
	selectActiveQuery = `
		SELECT id, shop_id, shop_name, access_token, refresh_token, expires_at, is_active, created_at, updated_at
		FROM shop_authorizations
		WHERE is_active = ?
		ORDER BY id DESC
		LIMIT 1`

	deactivateAllQuery = `UPDATE shop_authorizations SET is_active = ?, updated_at = ? WHERE is_active = ?`

	insertAuthorizationQuery = `
		INSERT INTO shop_authorizations (shop_id, shop_name, access_token, refresh_token, expires_at,
			is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`
)

type sqlRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &sqlRepository{db: db}
}

func (r *sqlRepository) Active(ctx context.Context) (*ShopAuthorization, error) {
	var a ShopAuthorization
	if err := r.db.GetContext(ctx, &a, r.db.Rebind(selectActiveQuery), true); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoActiveAuthorization
		}
		return nil, fmt.Errorf("repository: failed to select active authorization: %w", err)
	}
	return &a, nil
}

func (r *sqlRepository) Save(ctx context.Context, a *ShopAuthorization) (err error) {
	tx, beginErr := r.db.BeginTxx(ctx, nil)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Str("shop_id", a.ShopID).Msg("repository: panic recovered during authorization save, rolling back")
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback transaction after panic")
			}
			panic(p)
		} else if err != nil {
			log.Warn().Err(err).Str("shop_id", a.ShopID).Msg("repository: authorization save failed, rolling back")
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback transaction")
			}
		} else if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
		}
	}()

	now := time.Now().UTC()
	if _, err = tx.ExecContext(ctx, tx.Rebind(deactivateAllQuery), false, now, true); err != nil {
		return fmt.Errorf("repository: failed to deactivate authorizations: %w", err)
	}

	var expires *time.Time
	if a.ExpiresAt != nil {
		e := a.ExpiresAt.UTC()
		expires = &e
	}
	err = tx.QueryRowxContext(ctx, tx.Rebind(insertAuthorizationQuery),
		a.ShopID,
		a.ShopName,
		a.AccessToken,
		a.RefreshToken,
		expires,
		true,
		now,
		now,
	).Scan(&a.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrConcurrentSave
		}
		return fmt.Errorf("repository: failed to insert authorization: %w", err)
	}

	a.IsActive = true
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

type memoryRepository struct {
	mu   sync.RWMutex
	rows []ShopAuthorization
}

func NewMemoryRepository() Repository {
	return &memoryRepository{}
}

func (m *memoryRepository) Active(context.Context) (*ShopAuthorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].IsActive {
			a := m.rows[i]
			return &a, nil
		}
	}
	return nil, ErrNoActiveAuthorization
}

func (m *memoryRepository) Save(_ context.Context, a *ShopAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for i := range m.rows {
		if m.rows[i].IsActive {
			m.rows[i].IsActive = false
			m.rows[i].UpdatedAt = now
		}
	}
	a.ID = int64(len(m.rows) + 1)
	a.IsActive = true
	a.CreatedAt = now
	a.UpdatedAt = now
	m.rows = append(m.rows, *a)
	return nil
}
