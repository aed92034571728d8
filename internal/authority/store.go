package authority

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAccountNotFound はアカウントが存在しないことを表す。
	ErrAccountNotFound = errors.New("アカウントが見つかりません")
	// ErrDuplicateEmail は同じメールアドレスのアカウントが既に存在することを表す。
	ErrDuplicateEmail = errors.New("メールアドレスは既に登録されています")
)

// Account は認証サービスが管理するアカウント。
type Account struct {
	// ID はアカウントの一意識別子（UUID）。
	ID string
	// Email はログインに使うメールアドレス。
	Email string
	// PasswordHash はbcryptでハッシュ化したパスワード。
	PasswordHash string
}

// store はアカウントの永続化を行う。
type store struct {
	db *sql.DB
}

// createAccount はアカウントを保存する。
func (s *store) createAccount(ctx context.Context, a Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash) VALUES (?, ?, ?)`,
		a.ID, a.Email, a.PasswordHash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("アカウントの保存に失敗: %w", err)
	}
	return nil
}

// getAccountByEmail はメールアドレスでアカウントを取得する。
func (s *store) getAccountByEmail(ctx context.Context, email string) (Account, error) {
	return s.getAccount(ctx, `SELECT id, email, password_hash FROM accounts WHERE email = ?`, email)
}

// getAccountByID はIDでアカウントを取得する。
func (s *store) getAccountByID(ctx context.Context, id string) (Account, error) {
	return s.getAccount(ctx, `SELECT id, email, password_hash FROM accounts WHERE id = ?`, id)
}

func (s *store) getAccount(ctx context.Context, query string, arg string) (Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&a.ID, &a.Email, &a.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("アカウントの取得に失敗: %w", err)
	}
	return a, nil
}

// updateLastLogin は最終ログイン日時を更新する。
func (s *store) updateLastLogin(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_login_at = datetime('now') WHERE id = ?`, id); err != nil {
		return fmt.Errorf("最終ログイン日時の更新に失敗: %w", err)
	}
	return nil
}
