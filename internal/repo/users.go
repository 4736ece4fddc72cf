package repo

import (
	"context"
	"database/sql"

	"statetrail/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(email,first_name,last_name,created_at) VALUES (?,?,?,?)`,
		u.Email, nullable(u.FirstName), nullable(u.LastName), u.CreatedAt)
	if err != nil {
		return domain.User{}, err
	}
	u.ID, err = res.LastInsertId()
	return u, err
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var first, last sql.NullString
	err := row.Scan(&u.ID, &u.Email, &first, &last, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if first.Valid {
		u.FirstName = first.String
	}
	if last.Valid {
		u.LastName = last.String
	}
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,email,first_name,last_name,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,email,first_name,last_name,created_at FROM users WHERE email=?`, email))
}
