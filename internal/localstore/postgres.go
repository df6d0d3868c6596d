package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/tripcarbon/internal/identity"
	"github.com/hitoshi/tripcarbon/internal/model"
)

const userColumns = `record_key, user_id, first_name, last_name, provider_user_id, birth_date,
	gender, address, city, zip_code, country, score, weekly_score, updated_at`

// PostgresStore はPostgreSQLを使用したローカルセッションキャッシュ。
// テーブルはdatabase.RunMigrationsで作成する。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Begin はトランザクションを開始し、local_usersへの他の書き込みをロックする。
// SHARE ROW EXCLUSIVEは自身と競合するが読み取りは妨げない。
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `LOCK TABLE local_users IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to lock local_users: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

// Current はキャッシュされたユーザーを返す。存在しない場合はnilを返す。
func (s *PostgresStore) Current(ctx context.Context) (*model.LocalUser, error) {
	records, err := queryUsers(ctx, s.db, `SELECT `+userColumns+` FROM local_users LIMIT 2`)
	if err != nil {
		return nil, err
	}
	switch len(records) {
	case 0:
		return nil, nil
	case 1:
		return records[0].User, nil
	default:
		return nil, ErrMultipleRecords
	}
}

// Count はキャッシュ内のレコード数を返す。
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM local_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cached users: %w", err)
	}
	return n, nil
}

// Close はデータベース接続を閉じる。
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// LoadCredentials は保存済みのIdPセッションを返す。存在しない場合はnilを返す。
func (s *PostgresStore) LoadCredentials(ctx context.Context) (*identity.Credentials, error) {
	creds := &identity.Credentials{}
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, id_token, refresh_token, expires_at
		 FROM identity_credentials
		 WHERE singleton`,
	).Scan(&creds.UserID, &creds.Email, &creds.IDToken, &creds.RefreshToken, &creds.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return creds, nil
}

// SaveCredentials はIdPセッションを保存する。
func (s *PostgresStore) SaveCredentials(ctx context.Context, creds *identity.Credentials) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_credentials (singleton, user_id, email, id_token, refresh_token, expires_at, updated_at)
		 VALUES (TRUE, $1, $2, $3, $4, $5, now())
		 ON CONFLICT (singleton) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   email = EXCLUDED.email,
		   id_token = EXCLUDED.id_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = now()`,
		creds.UserID, creds.Email, creds.IDToken, creds.RefreshToken, creds.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// ClearCredentials は保存済みのIdPセッションを削除する。
func (s *PostgresStore) ClearCredentials(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identity_credentials`); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// querier は*sql.DBと*sql.Txの共通部分。
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryUsers(ctx context.Context, q querier, query string) ([]Record, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached users: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			key       string
			id        sql.NullInt64
			birthDate sql.NullTime
			u         model.LocalUser
		)
		if err := rows.Scan(&key, &id, &u.FirstName, &u.LastName, &u.ProviderUserID, &birthDate,
			&u.Gender, &u.Address, &u.City, &u.ZipCode, &u.Country, &u.Score, &u.WeeklyScore, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cached user: %w", err)
		}
		if id.Valid {
			v := id.Int64
			u.ID = &v
		}
		if birthDate.Valid {
			t := birthDate.Time
			u.BirthDate = &t
		}
		records = append(records, Record{Key: key, User: &u})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cached users: %w", err)
	}
	return records, nil
}

// postgresTx はsql.TxによるTx実装。
type postgresTx struct {
	tx   *sql.Tx
	done bool
}

func (t *postgresTx) FetchAll(ctx context.Context) ([]Record, error) {
	return queryUsers(ctx, t.tx, `SELECT `+userColumns+` FROM local_users ORDER BY updated_at`)
}

func (t *postgresTx) Insert(ctx context.Context, user *model.LocalUser) (string, error) {
	key := uuid.NewString()
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO local_users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		key, nullableID(user.ID), user.FirstName, user.LastName, user.ProviderUserID, user.BirthDate,
		user.Gender, user.Address, user.City, user.ZipCode, user.Country, user.Score, user.WeeklyScore, user.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert cached user: %w", err)
	}
	return key, nil
}

func (t *postgresTx) Update(ctx context.Context, key string, user *model.LocalUser) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE local_users SET
		   user_id = $2, first_name = $3, last_name = $4, provider_user_id = $5, birth_date = $6,
		   gender = $7, address = $8, city = $9, zip_code = $10, country = $11,
		   score = $12, weekly_score = $13, updated_at = $14
		 WHERE record_key = $1`,
		key, nullableID(user.ID), user.FirstName, user.LastName, user.ProviderUserID, user.BirthDate,
		user.Gender, user.Address, user.City, user.ZipCode, user.Country, user.Score, user.WeeklyScore, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update cached user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update cached user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("cached user %s: %w", key, sql.ErrNoRows)
	}
	return nil
}

func (t *postgresTx) Delete(ctx context.Context, key string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM local_users WHERE record_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete cached user: %w", err)
	}
	return nil
}

func (t *postgresTx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	return t.tx.Commit()
}

func (t *postgresTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

// compile-time interface check
var (
	_ Store                    = (*PostgresStore)(nil)
	_ identity.CredentialStore = (*PostgresStore)(nil)
)
