package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orchestra-mcp/notesync/src/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS notes (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL DEFAULT '',
	owner_id         TEXT NOT NULL,
	collaborator_ids TEXT[] NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	email        TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS users_email_idx ON users (lower(email));
`

const noteColumns = `id, title, content, owner_id, collaborator_ids, created_at, updated_at`

// PostgresStore keeps notes and users in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateNote(ctx context.Context, n *types.Note) error {
	prepareNew(n, time.Now().UTC())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notes (`+noteColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.Title, n.Content, n.OwnerID, n.CollaboratorIDs, n.CreatedAt, n.UpdatedAt)
	return err
}

func (s *PostgresStore) GetNote(ctx context.Context, id string) (*types.Note, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = $1`, id)
	return scanNote(row)
}

func (s *PostgresStore) ListNotes(ctx context.Context, userID string) ([]types.Note, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+noteColumns+` FROM notes
		 WHERE owner_id = $1 OR $1 = ANY(collaborator_ids)
		 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Note{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateNote(ctx context.Context, id, title, content string) (*types.Note, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE notes SET title = $2, content = $3, updated_at = now()
		 WHERE id = $1 RETURNING `+noteColumns, id, title, content)
	return scanNote(row)
}

func (s *PostgresStore) DeleteNote(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddCollaborator(ctx context.Context, noteID, userID string) (*types.Note, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE notes SET
			collaborator_ids = CASE WHEN $2 = ANY(collaborator_ids) THEN collaborator_ids
			                        ELSE array_append(collaborator_ids, $2) END,
			updated_at = now()
		 WHERE id = $1 RETURNING `+noteColumns, noteID, userID)
	return scanNote(row)
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, noteID, userID string) (*types.Note, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE notes SET collaborator_ids = array_remove(collaborator_ids, $2), updated_at = now()
		 WHERE id = $1 RETURNING `+noteColumns, noteID, userID)
	return scanNote(row)
}

func (s *PostgresStore) PutUser(ctx context.Context, u types.UserInfo) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, display_name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, display_name = EXCLUDED.display_name`,
		u.UserID, u.Email, u.DisplayName)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (types.UserInfo, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT id, email, display_name FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (types.UserInfo, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT id, email, display_name FROM users WHERE lower(email) = lower($1) LIMIT 1`, email))
}

func scanNote(row pgx.Row) (*types.Note, error) {
	var n types.Note
	err := row.Scan(&n.ID, &n.Title, &n.Content, &n.OwnerID, &n.CollaboratorIDs, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanUser(row pgx.Row) (types.UserInfo, error) {
	var u types.UserInfo
	err := row.Scan(&u.UserID, &u.Email, &u.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.UserInfo{}, ErrNotFound
	}
	return u, err
}
