// Package localstore はローカルセッションキャッシュ（現在のユーザー1件を保持する永続ストア）を提供する。
//
// キャッシュには常に0件または1件のLocalUserだけが存在する。
// 他の機能は「レコードが存在するか」だけでログイン状態を判定するため、
// 書き込みは必ずトランザクション内で行い、Commitが成功するまで永続化されたとみなさない。
package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/tripcarbon/internal/model"
)

// ErrMultipleRecords はキャッシュに複数のレコードが存在する場合のエラー。
var ErrMultipleRecords = errors.New("localstore: more than one cached user")

// Record はキャッシュ内のLocalUserとその格納キー。
type Record struct {
	Key  string
	User *model.LocalUser
}

// Store はローカルセッションキャッシュ。
type Store interface {
	// Begin は読み書きトランザクションを開始する。
	Begin(ctx context.Context) (Tx, error)
	// Current はキャッシュされたユーザーを返す。存在しない場合はnilを返す。
	Current(ctx context.Context) (*model.LocalUser, error)
	// Count はキャッシュ内のレコード数を返す。
	Count(ctx context.Context) (int, error)
	Close() error
}

// Tx はキャッシュのトランザクション。Commitが永続化の境界になる。
// Commit後のRollbackは何もしない。
type Tx interface {
	FetchAll(ctx context.Context) ([]Record, error)
	Insert(ctx context.Context, user *model.LocalUser) (string, error)
	Update(ctx context.Context, key string, user *model.LocalUser) error
	Delete(ctx context.Context, key string) error
	Commit() error
	Rollback() error
}

// ReplaceUser は既存のレコードをすべて削除してからuserを挿入し、コミットする。
// 1つのトランザクションで行うため、並行する読み取りからは置換前か置換後のどちらかしか見えない。
func ReplaceUser(ctx context.Context, store Store, user *model.LocalUser) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	records, err := tx.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch cached users: %w", err)
	}
	for _, r := range records {
		if err := tx.Delete(ctx, r.Key); err != nil {
			return fmt.Errorf("failed to delete cached user: %w", err)
		}
	}
	if _, err := tx.Insert(ctx, user); err != nil {
		return fmt.Errorf("failed to insert cached user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache: %w", err)
	}
	return nil
}

// DeleteAll はキャッシュ内のレコードをすべて削除してコミットし、削除件数を返す。
func DeleteAll(ctx context.Context, store Store) (int, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	records, err := tx.FetchAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch cached users: %w", err)
	}
	for _, r := range records {
		if err := tx.Delete(ctx, r.Key); err != nil {
			return 0, fmt.Errorf("failed to delete cached user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cache: %w", err)
	}
	return len(records), nil
}

// RefreshMode はRefreshUserがどの方法でキャッシュを更新したかを表す。
type RefreshMode int

const (
	// RefreshedInPlace は唯一のレコードをその場で更新したことを表す。
	RefreshedInPlace RefreshMode = iota
	// RefreshedByReplace は0件または複数件だったため置換したことを表す。
	RefreshedByReplace
)

// RefreshUser はバックエンドから取得したユーザーでキャッシュを更新する。
// レコードがちょうど1件ならその場で更新し、それ以外は置換ルールで自己修復する。
func RefreshUser(ctx context.Context, store Store, remote *model.RemoteUser, now time.Time) (*model.LocalUser, RefreshMode, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	records, err := tx.FetchAll(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch cached users: %w", err)
	}

	var (
		user *model.LocalUser
		mode RefreshMode
	)
	if len(records) == 1 {
		user = records[0].User.Clone()
		user.ApplyRemote(remote, now)
		if err := tx.Update(ctx, records[0].Key, user); err != nil {
			return nil, 0, fmt.Errorf("failed to update cached user: %w", err)
		}
		mode = RefreshedInPlace
	} else {
		for _, r := range records {
			if err := tx.Delete(ctx, r.Key); err != nil {
				return nil, 0, fmt.Errorf("failed to delete cached user: %w", err)
			}
		}
		user = model.NewLocalUser(remote, now)
		if _, err := tx.Insert(ctx, user); err != nil {
			return nil, 0, fmt.Errorf("failed to insert cached user: %w", err)
		}
		mode = RefreshedByReplace
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit cache: %w", err)
	}
	return user, mode, nil
}
