package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/hitoshi/tripcarbon/internal/identity"
	"github.com/hitoshi/tripcarbon/internal/model"
)

const (
	userKeyPrefix  = "user/"
	credentialsKey = "identity/credentials"
)

var errTxDone = errors.New("localstore: transaction already finished")

// BadgerConfig はBadgerStoreの設定。
type BadgerConfig struct {
	// Dir はデータディレクトリ。InMemoryの場合は無視される。
	Dir string
	// InMemory はディスクに書き込まないモード（テスト用）。
	InMemory bool
	// SyncWrites はコミットごとにfsyncする。
	SyncWrites bool
	// GCInterval はvalue logのGC間隔。0で無効。
	GCInterval time.Duration
	// GCDiscardRatio はGCを実行する不要データの割合の下限。
	GCDiscardRatio float64
	// Logger がnilの場合、badger内部のログは出力しない。
	Logger *slog.Logger
}

// DefaultBadgerConfig は端末上で使う既定の設定を返す。
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig はテスト用の設定を返す。
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger はslog.Loggerをbadger.Loggerに適合させる。
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

// BadgerStore はbadgerを使用したローカルセッションキャッシュ。
// identity.CredentialStoreも実装し、IdPのセッションを同じデータベースに保存する。
type BadgerStore struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger

	// 書き込みトランザクションを直列化するセマフォ
	writeSem chan struct{}
}

// OpenBadger はBadgerStoreを開く。データディレクトリが無い場合は作成する。
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("cache directory is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache: %w", err)
	}

	s := &BadgerStore{
		db:       db,
		logger:   logger,
		writeSem: make(chan struct{}, 1),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.gc = newGCRunner(db, cfg.GCInterval, ratio, logger)
		s.gc.start()
	}
	return s, nil
}

// Begin は読み書きトランザクションを開始する。書き込みトランザクションは同時に1つだけ。
func (s *BadgerStore) Begin(ctx context.Context) (Tx, error) {
	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for cache transaction: %w", ctx.Err())
	}

	return &badgerTx{
		txn:     s.db.NewTransaction(true),
		release: func() { <-s.writeSem },
	}, nil
}

// Current はキャッシュされたユーザーを返す。存在しない場合はnilを返す。
func (s *BadgerStore) Current(ctx context.Context) (*model.LocalUser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		records, err = scanUsers(txn)
		return err
	})
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
func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(userKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count cached users: %w", err)
	}
	return n, nil
}

// Close はGCを停止してデータベースを閉じる。
func (s *BadgerStore) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// LoadCredentials は保存済みのIdPセッションを返す。存在しない場合はnilを返す。
func (s *BadgerStore) LoadCredentials(ctx context.Context) (*identity.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var creds *identity.Credentials
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(credentialsKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			creds = &identity.Credentials{}
			return json.Unmarshal(val, creds)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return creds, nil
}

// SaveCredentials はIdPセッションを保存する。
func (s *BadgerStore) SaveCredentials(ctx context.Context, creds *identity.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(credentialsKey), data)
	}); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// ClearCredentials は保存済みのIdPセッションを削除する。
func (s *BadgerStore) ClearCredentials(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(credentialsKey))
	}); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

func scanUsers(txn *badger.Txn) ([]Record, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(userKeyPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var records []Record
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := string(item.KeyCopy(nil))
		var user *model.LocalUser
		err := item.Value(func(val []byte) error {
			var err error
			user, err = decodeUser(val)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		records = append(records, Record{Key: key, User: user})
	}
	return records, nil
}

// badgerTx はbadgerの読み書きトランザクション。
// スナップショット分離のため、コミットまで他の読み取りからは変更が見えない。
type badgerTx struct {
	txn     *badger.Txn
	release func()
	done    bool
}

func (t *badgerTx) FetchAll(ctx context.Context) ([]Record, error) {
	if t.done {
		return nil, errTxDone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return scanUsers(t.txn)
}

func (t *badgerTx) Insert(ctx context.Context, user *model.LocalUser) (string, error) {
	if t.done {
		return "", errTxDone
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := encodeUser(user)
	if err != nil {
		return "", err
	}
	key := userKeyPrefix + uuid.NewString()
	if err := t.txn.Set([]byte(key), data); err != nil {
		return "", err
	}
	return key, nil
}

func (t *badgerTx) Update(ctx context.Context, key string, user *model.LocalUser) error {
	if t.done {
		return errTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := t.txn.Get([]byte(key)); err != nil {
		return fmt.Errorf("cached user %s: %w", key, err)
	}
	data, err := encodeUser(user)
	if err != nil {
		return err
	}
	return t.txn.Set([]byte(key), data)
}

func (t *badgerTx) Delete(ctx context.Context, key string) error {
	if t.done {
		return errTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.txn.Delete([]byte(key))
}

func (t *badgerTx) Commit() error {
	if t.done {
		return errTxDone
	}
	err := t.txn.Commit()
	t.finish()
	return err
}

func (t *badgerTx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *badgerTx) finish() {
	t.done = true
	t.txn.Discard()
	t.release()
}

// gcRunner は定期的にvalue logのGCを実行する。
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *gcRunner) runGC() {
	err := r.db.RunValueLogGC(r.ratio)
	switch {
	case err == nil:
		r.logger.Debug("cache value log GC completed")
	case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected):
		// GC不要
	default:
		r.logger.Warn("cache value log GC failed", slog.String("error", err.Error()))
	}
}

// compile-time interface check
var (
	_ Store                    = (*BadgerStore)(nil)
	_ identity.CredentialStore = (*BadgerStore)(nil)
)
