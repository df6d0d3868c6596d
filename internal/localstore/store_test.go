package localstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/tripcarbon/internal/model"
)

func newMemoryStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func remoteUser(id int64, first string) *model.RemoteUser {
	return &model.RemoteUser{
		ID:             id,
		FirstName:      first,
		LastName:       "Doe",
		ProviderUserID: "uid-" + first,
		Score:          10,
		WeeklyScore:    2,
	}
}

// insertRaw は不変条件違反の状態を作るため、置換ルールを通さずに挿入する。
func insertRaw(t *testing.T, store Store, users ...*model.LocalUser) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	for _, u := range users {
		_, err := tx.Insert(ctx, u)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func TestReplaceUser_EmptyCache(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	err := ReplaceUser(ctx, store, model.NewLocalUser(remoteUser(53, "Jane"), time.Now()))
	require.NoError(t, err)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	current, err := store.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	id, ok := current.NumericID()
	assert.True(t, ok)
	assert.Equal(t, int64(53), id)
}

func TestReplaceUser_HealsMultipleRecords(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	now := time.Now()

	insertRaw(t, store,
		model.NewLocalUser(remoteUser(1, "A"), now),
		model.NewLocalUser(remoteUser(2, "B"), now),
		model.NewLocalUser(remoteUser(3, "C"), now),
	)
	_, err := store.Current(ctx)
	assert.ErrorIs(t, err, ErrMultipleRecords)

	require.NoError(t, ReplaceUser(ctx, store, model.NewLocalUser(remoteUser(4, "D"), now)))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	current, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "D", current.FirstName)
}

func TestDeleteAll(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	now := time.Now()

	insertRaw(t, store,
		model.NewLocalUser(remoteUser(1, "A"), now),
		model.NewLocalUser(remoteUser(2, "B"), now),
	)

	deleted, err := DeleteAll(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	current, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	// 空のキャッシュに対しても成功する
	deleted, err = DeleteAll(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestRefreshUser_InPlace(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, ReplaceUser(ctx, store, model.NewLocalUser(remoteUser(53, "Jane"), now)))

	updated := remoteUser(53, "Jane")
	updated.Score = 99
	updated.City = "Lyon"

	user, mode, err := RefreshUser(ctx, store, updated, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, RefreshedInPlace, mode)
	assert.Equal(t, 99.0, user.Score)

	current, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Lyon", current.City)
	assert.Equal(t, 99.0, current.Score)
}

func TestRefreshUser_Idempotent(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, ReplaceUser(ctx, store, model.NewLocalUser(remoteUser(53, "Jane"), now)))

	remote := remoteUser(53, "Jane")
	_, _, err := RefreshUser(ctx, store, remote, now)
	require.NoError(t, err)
	first, err := store.Current(ctx)
	require.NoError(t, err)

	_, _, err = RefreshUser(ctx, store, remote, now)
	require.NoError(t, err)
	second, err := store.Current(ctx)
	require.NoError(t, err)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, first, second)
}

func TestRefreshUser_ReplacesWhenNotExactlyOne(t *testing.T) {
	tests := []struct {
		name     string
		existing int
	}{
		{"empty", 0},
		{"duplicated", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore(t)
			ctx := context.Background()
			now := time.Now()

			for i := 0; i < tt.existing; i++ {
				insertRaw(t, store, model.NewLocalUser(remoteUser(int64(i+1), "old"), now))
			}

			_, mode, err := RefreshUser(ctx, store, remoteUser(53, "Jane"), now)
			require.NoError(t, err)
			assert.Equal(t, RefreshedByReplace, mode)

			n, err := store.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestTx_RollbackDiscardsChanges(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Insert(ctx, model.NewLocalUser(remoteUser(1, "A"), time.Now()))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 終了後の操作はエラー、Rollbackは何もしない
	assert.ErrorIs(t, tx.Commit(), errTxDone)
	assert.NoError(t, tx.Rollback())
}

func TestTx_UncommittedChangesInvisibleToReaders(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, ReplaceUser(ctx, store, model.NewLocalUser(remoteUser(1, "old"), now)))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	records, err := tx.FetchAll(ctx)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, tx.Delete(ctx, r.Key))
	}

	// 削除途中でも読み取り側は置換前のレコードを見る
	current, err := store.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "old", current.FirstName)

	_, err = tx.Insert(ctx, model.NewLocalUser(remoteUser(2, "new"), now))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	current, err = store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", current.FirstName)
}

func TestBegin_WaitsForRunningTransaction(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = store.Begin(waitCtx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "error = %v", err)
}

// failingStore はBeginが失敗するStore。
type failingStore struct {
	Store
	err error
}

func (f *failingStore) Begin(context.Context) (Tx, error) { return nil, f.err }

func TestReplaceUser_BeginError(t *testing.T) {
	boom := errors.New("disk full")
	err := ReplaceUser(context.Background(), &failingStore{err: boom}, &model.LocalUser{})
	assert.ErrorIs(t, err, boom)
}
