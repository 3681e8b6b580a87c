package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hitoshi/makeemnow/internal/model"
)

const errUniqueViolation pq.ErrorCode = "23505"

// profileColumns はSELECT時のカラム一覧。
// BaaS側のテーブルはNULLを許容する列が多いため、文字列と数値はCOALESCEで吸収する。
const profileColumns = `id, COALESCE(CAST(uuid AS text), '') AS uuid, COALESCE(email, '') AS email,
	COALESCE(firstname, '') AS firstname, COALESCE(middlename, '') AS middlename, COALESCE(lastname, '') AS lastname,
	COALESCE(CAST(pin AS text), '') AS pin, photo,
	COALESCE(age, 0) AS age, COALESCE(month, 0) AS month, COALESCE(day, 0) AS day,
	COALESCE(address, '') AS address, COALESCE(house_number, '') AS house_number,
	COALESCE(street, '') AS street, COALESCE(suburb, '') AS suburb, COALESCE(state, '') AS state,
	COALESCE(postcode, '') AS postcode, COALESCE(country, '') AS country,
	COALESCE(admin, false) AS admin, created_at`

// PostgresProfileRepo はsqlxを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sqlx.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sqlx.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByEmail はメールアドレスでプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByEmail(ctx context.Context, email string) (*model.Profile, error) {
	var p model.Profile
	err := r.db.GetContext(ctx, &p,
		`SELECT `+profileColumns+` FROM users WHERE email = $1 ORDER BY created_at DESC LIMIT 1`,
		email,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by email: %w", err)
	}
	return &p, nil
}

// FindByUUID はアカウントIDでプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUUID(ctx context.Context, id string) (*model.Profile, error) {
	// uuid列への不正な入力はPostgres側で22P02になるため、該当なしとして扱う
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	var p model.Profile
	err = r.db.GetContext(ctx, &p,
		`SELECT `+profileColumns+` FROM users WHERE uuid = $1`,
		parsed.String(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by uuid: %w", err)
	}
	return &p, nil
}

// LatestEmail は最も新しく作成された行のメールアドレスを返す。
func (r *PostgresProfileRepo) LatestEmail(ctx context.Context) (string, error) {
	var email sql.NullString
	err := r.db.GetContext(ctx, &email,
		`SELECT email FROM users ORDER BY created_at DESC LIMIT 1`,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query latest email: %w", err)
	}
	return email.String, nil
}

// Count はプロフィール行の総数を返す。
func (r *PostgresProfileRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT count(*) FROM users`); err != nil {
		return 0, fmt.Errorf("failed to count profiles: %w", err)
	}
	return count, nil
}

// Insert はプロフィール行を挿入する。
// 一意制約違反はErrDuplicateProfileでラップして返す。
func (r *PostgresProfileRepo) Insert(ctx context.Context, profile *model.Profile) (*model.Profile, error) {
	const q = `INSERT INTO users (uuid, email, firstname, middlename, lastname, pin, photo,
			age, month, day, address, house_number, street, suburb, state, postcode, country, admin)
		VALUES (:uuid, :email, :firstname, :middlename, :lastname, :pin, :photo,
			:age, :month, :day, :address, :house_number, :street, :suburb, :state, :postcode, :country, :admin)
		RETURNING id, created_at`

	rows, err := r.db.NamedQueryContext(ctx, q, profile)
	if err != nil {
		return nil, insertError(err)
	}
	defer rows.Close()

	inserted := *profile
	if !rows.Next() {
		// 制約違反は実行時に検出されるため、rows.Errで返ることがある
		if err := rows.Err(); err != nil {
			return nil, insertError(err)
		}
		return nil, errors.New("failed to insert profile: no row returned")
	}
	if err := rows.Scan(&inserted.ID, &inserted.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan inserted profile: %w", err)
	}
	return &inserted, nil
}

// UpdateByUUID はnilでないフィールドのみを更新する。該当行がない場合はnilを返す。
func (r *PostgresProfileRepo) UpdateByUUID(ctx context.Context, id string, update model.ProfileUpdate) (*model.Profile, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	sets, args := updateAssignments(update)
	if len(sets) == 0 {
		return r.FindByUUID(ctx, parsed.String())
	}
	args["uuid"] = parsed.String()

	q := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE uuid = :uuid RETURNING ` + profileColumns
	rows, err := r.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to update profile: %w", err)
		}
		return nil, nil
	}
	var p model.Profile
	if err := rows.StructScan(&p); err != nil {
		return nil, fmt.Errorf("failed to scan updated profile: %w", err)
	}
	return &p, nil
}

// updateAssignments はProfileUpdateからSET句と名前付きパラメータを組み立てる。
// カラム名は固定の対応表からのみ生成する。
func updateAssignments(u model.ProfileUpdate) ([]string, map[string]any) {
	var sets []string
	args := map[string]any{}
	add := func(column string, value any) {
		sets = append(sets, column+" = :"+column)
		args[column] = value
	}
	if u.FirstName != nil {
		add("firstname", *u.FirstName)
	}
	if u.MiddleName != nil {
		add("middlename", *u.MiddleName)
	}
	if u.LastName != nil {
		add("lastname", *u.LastName)
	}
	if u.Address != nil {
		add("address", *u.Address)
	}
	if u.PIN != nil {
		add("pin", *u.PIN)
	}
	if u.Age != nil {
		add("age", *u.Age)
	}
	if u.Month != nil {
		add("month", *u.Month)
	}
	if u.Day != nil {
		add("day", *u.Day)
	}
	return sets, args
}

func insertError(err error) error {
	if isPqErr(err, errUniqueViolation) {
		return fmt.Errorf("%w: %s", ErrDuplicateProfile, pqMessage(err))
	}
	return fmt.Errorf("failed to insert profile: %w", err)
}

func isPqErr(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

func pqMessage(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Detail != "" {
			return pqErr.Detail
		}
		return pqErr.Message
	}
	return err.Error()
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
