package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/store"
)

// UserRepo implements store.UserRepository with sqlx.
type UserRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewUserRepo returns a new UserRepo.
func NewUserRepo(db *sqlx.DB, clk clock.Clock) *UserRepo {
	return &UserRepo{db: db, clock: clk}
}

func (r *UserRepo) Create(ctx context.Context, u *store.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, available_minor, reserved_minor, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.DisplayName, u.AvailableMinor, u.ReservedMinor, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*store.User, error) {
	var u store.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &u, nil
}

func (r *UserRepo) Deposit(ctx context.Context, id string, amountMinor int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET available_minor = available_minor + $1, updated_at = $2
		WHERE id = $3`,
		amountMinor, r.clock.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("depositing funds: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return nil
}
