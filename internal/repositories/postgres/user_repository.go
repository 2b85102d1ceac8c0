package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	domain "github.com/ordersync/api/internal/domain"
	"github.com/ordersync/api/internal/repositories"
)

// UserRepository resolves order owners. This service never writes users.
type UserRepository struct {
	db *DB
}

// NewUserRepository constructs the repository.
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID loads one user row.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	const op = "users.findByID"
	var u domain.User
	err := r.db.querier(ctx).QueryRow(ctx, `
		SELECT id, email, full_name, created_at FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Email, &u.FullName, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, repositories.NewError(op, repositories.ErrorNotFound, fmt.Sprintf("user %s not found", userID), err)
	}
	if err != nil {
		return domain.User{}, repositories.NewError(op, repositories.ErrorUnknown, "scan user", err)
	}
	return u, nil
}
