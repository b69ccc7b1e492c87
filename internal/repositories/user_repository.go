package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/models"
)

var ErrUserNotFound = errs.New(errs.ErrNotFound, "user not found")

// UserRepository is the identity lookup the core consumes.
type UserRepository interface {
	FindByID(ctx context.Context, id int64) (models.User, error)
	FindByUsername(ctx context.Context, username string) (models.User, error)
	ExistingIDs(ctx context.Context, ids []int64) ([]int64, error)
	TouchLastActive(ctx context.Context, userID int64, at time.Time) error
}

// UserRepo is the sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) FindByID(ctx context.Context, id int64) (models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, `SELECT id, username, created_at, last_active FROM users WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return u, err
}

func (r *UserRepo) FindByUsername(ctx context.Context, username string) (models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, `SELECT id, username, created_at, last_active FROM users WHERE username=$1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return u, err
}

// ExistingIDs filters ids down to the users that exist, ascending.
func (r *UserRepo) ExistingIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []int64
	err := r.db.SelectContext(ctx, &found, `SELECT id FROM users WHERE id = ANY($1) ORDER BY id`, pq.Array(ids))
	return found, err
}

// TouchLastActive moves the user's last activity forward, never back.
func (r *UserRepo) TouchLastActive(ctx context.Context, userID int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_active = $2 WHERE id = $1 AND (last_active IS NULL OR last_active < $2)`,
		userID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM users WHERE id=$1)`, userID); err != nil {
			return err
		}
		if !exists {
			return ErrUserNotFound
		}
	}
	return nil
}
