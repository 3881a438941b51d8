// Package repository persists accounts, identifiers, devices and groups.
// Postgres backs production; Memory backs tests and single-node runs
// without a database.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"authsvc/internal/common"
	"authsvc/internal/model"
)

// NewPool opens a pgx pool and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the tables if they do not exist yet. Identifier
// values are unique within their channel, and an account holds at most one
// identifier per channel.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS groups (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL UNIQUE,
			access_level INT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS accounts (
			id          TEXT PRIMARY KEY,
			user_type   TEXT NOT NULL,
			group_id    TEXT NOT NULL REFERENCES groups (id),
			secret_hash TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS identifiers (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
			channel    TEXT NOT NULL,
			value      TEXT NOT NULL,
			verified   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (channel, value),
			UNIQUE (account_id, channel)
		);
		CREATE TABLE IF NOT EXISTS devices (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL UNIQUE REFERENCES accounts (id) ON DELETE CASCADE,
			device_id  TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

// CreateAccount inserts the account, its first identifier and an optional
// device binding in one transaction.
func (s *Postgres) CreateAccount(ctx context.Context, rec model.AccountRecord, ident model.Identifier, device *model.Device) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO accounts (id, user_type, group_id, secret_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.Type, rec.GroupID, rec.SecretHash, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO identifiers (id, account_id, channel, value, verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ident.ID, ident.AccountID, ident.Channel, ident.Value, ident.Verified, ident.CreatedAt, ident.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if device != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO devices (id, account_id, device_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
		`, device.ID, device.AccountID, device.DeviceID, device.CreatedAt, device.UpdatedAt)
		if err != nil {
			return mapErr(err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) AccountByID(ctx context.Context, accountID string) (model.AccountRecord, error) {
	var rec model.AccountRecord
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_type, group_id, secret_hash, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`, accountID)
	err := row.Scan(&rec.ID, &rec.Type, &rec.GroupID, &rec.SecretHash, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, mapErr(err)
}

func (s *Postgres) UpdateAccountSecret(ctx context.Context, accountID, secretHash string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET secret_hash = $1, updated_at = $2 WHERE id = $3
	`, secretHash, at, accountID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (s *Postgres) SetAccountGroup(ctx context.Context, accountID, groupID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET group_id = $1, updated_at = $2 WHERE id = $3
	`, groupID, at, accountID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	return nil
}

// DeleteAccount removes the account row; identifiers and device bindings go
// with it through the schema's cascade rules.
func (s *Postgres) DeleteAccount(ctx context.Context, accountID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, accountID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	return nil
}

// ListAccounts returns every account in creation order. Group filtering and
// pagination happen in the service so the match rules live in one place.
func (s *Postgres) ListAccounts(ctx context.Context) ([]model.AccountRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_type, group_id, secret_hash, created_at, updated_at
		FROM accounts
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var recs []model.AccountRecord
	for rows.Next() {
		var rec model.AccountRecord
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.GroupID, &rec.SecretHash, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Postgres) InsertIdentifier(ctx context.Context, ident model.Identifier) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identifiers (id, account_id, channel, value, verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ident.ID, ident.AccountID, ident.Channel, ident.Value, ident.Verified, ident.CreatedAt, ident.UpdatedAt)
	return mapErr(err)
}

func (s *Postgres) IdentifierByValue(ctx context.Context, channel model.Channel, value string) (model.Identifier, error) {
	return s.identifierWhere(ctx, `channel = $1 AND value = $2`, string(channel), value)
}

func (s *Postgres) IdentifierByAccountChannel(ctx context.Context, accountID string, channel model.Channel) (model.Identifier, error) {
	return s.identifierWhere(ctx, `account_id = $1 AND channel = $2`, accountID, string(channel))
}

func (s *Postgres) identifierWhere(ctx context.Context, where string, args ...any) (model.Identifier, error) {
	var ident model.Identifier
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, channel, value, verified, created_at, updated_at
		FROM identifiers
		WHERE `+where, args...)
	err := row.Scan(&ident.ID, &ident.AccountID, &ident.Channel, &ident.Value, &ident.Verified, &ident.CreatedAt, &ident.UpdatedAt)
	return ident, mapErr(err)
}

func (s *Postgres) IdentifiersByAccount(ctx context.Context, accountID string) ([]model.Identifier, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, channel, value, verified, created_at, updated_at
		FROM identifiers
		WHERE account_id = $1
		ORDER BY created_at, id
	`, accountID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var idents []model.Identifier
	for rows.Next() {
		var ident model.Identifier
		if err := rows.Scan(&ident.ID, &ident.AccountID, &ident.Channel, &ident.Value, &ident.Verified, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
			return nil, err
		}
		idents = append(idents, ident)
	}
	return idents, rows.Err()
}

// UpdateIdentifierValue rebinds an identifier to a new address and clears
// its verified flag.
func (s *Postgres) UpdateIdentifierValue(ctx context.Context, identifierID, value string, at time.Time) (model.Identifier, error) {
	var ident model.Identifier
	row := s.pool.QueryRow(ctx, `
		UPDATE identifiers
		SET value = $1, verified = FALSE, updated_at = $2
		WHERE id = $3
		RETURNING id, account_id, channel, value, verified, created_at, updated_at
	`, value, at, identifierID)
	err := row.Scan(&ident.ID, &ident.AccountID, &ident.Channel, &ident.Value, &ident.Verified, &ident.CreatedAt, &ident.UpdatedAt)
	return ident, mapErr(err)
}

func (s *Postgres) MarkIdentifierVerified(ctx context.Context, identifierID string, at time.Time) (model.Identifier, error) {
	var ident model.Identifier
	row := s.pool.QueryRow(ctx, `
		UPDATE identifiers
		SET verified = TRUE, updated_at = $1
		WHERE id = $2
		RETURNING id, account_id, channel, value, verified, created_at, updated_at
	`, at, identifierID)
	err := row.Scan(&ident.ID, &ident.AccountID, &ident.Channel, &ident.Value, &ident.Verified, &ident.CreatedAt, &ident.UpdatedAt)
	return ident, mapErr(err)
}

func (s *Postgres) DeviceByAccount(ctx context.Context, accountID string) (model.Device, error) {
	var device model.Device
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, device_id, created_at, updated_at
		FROM devices
		WHERE account_id = $1
	`, accountID)
	err := row.Scan(&device.ID, &device.AccountID, &device.DeviceID, &device.CreatedAt, &device.UpdatedAt)
	return device, mapErr(err)
}

func (s *Postgres) GroupByID(ctx context.Context, groupID string) (model.Group, error) {
	return s.groupWhere(ctx, `id = $1`, groupID)
}

func (s *Postgres) GroupByName(ctx context.Context, name string) (model.Group, error) {
	return s.groupWhere(ctx, `name = $1`, name)
}

func (s *Postgres) groupWhere(ctx context.Context, where string, args ...any) (model.Group, error) {
	var grp model.Group
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, access_level, created_at, updated_at
		FROM groups
		WHERE `+where, args...)
	err := row.Scan(&grp.ID, &grp.Name, &grp.AccessLevel, &grp.CreatedAt, &grp.UpdatedAt)
	return grp, mapErr(err)
}

func (s *Postgres) InsertGroup(ctx context.Context, grp model.Group) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO groups (id, name, access_level, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, grp.ID, grp.Name, grp.AccessLevel, grp.CreatedAt, grp.UpdatedAt)
	return mapErr(err)
}

func (s *Postgres) ListGroups(ctx context.Context) ([]model.Group, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, access_level, created_at, updated_at
		FROM groups
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var grps []model.Group
	for rows.Next() {
		var grp model.Group
		if err := rows.Scan(&grp.ID, &grp.Name, &grp.AccessLevel, &grp.CreatedAt, &grp.UpdatedAt); err != nil {
			return nil, err
		}
		grps = append(grps, grp)
	}
	return grps, rows.Err()
}

// SuperUserRegistered reports whether any account sits at the maximum
// access level.
func (s *Postgres) SuperUserRegistered(ctx context.Context) (bool, error) {
	var registered bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM accounts a
			JOIN groups g ON g.id = a.group_id
			WHERE g.access_level = $1
		)
	`, model.AccessLevelMax).Scan(&registered)
	return registered, err
}

// mapErr folds driver errors into the error kinds callers branch on.
// 23505 is the Postgres unique-violation class.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return common.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return common.ErrDuplicateIdentifier
	}
	return err
}
