// Package dbtest はPostgreSQLを使う統合テストの共通処理を提供する。
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartPostgres はPostgreSQLコンテナを起動し、接続URLを返す。
// TEST_INTEGRATIONが未設定の場合はテストをスキップする。
// TEST_DATABASE_URLが設定されている場合はコンテナを起動せずにそれを使う。
func StartPostgres(t *testing.T) string {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("統合テストをスキップ: TEST_INTEGRATIONが未設定")
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("tripcarbon_test"),
		postgres.WithUsername("tripcarbon"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("PostgreSQLコンテナの起動に失敗: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("コンテナの停止に失敗: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("接続URLの取得に失敗: %v", err)
	}
	return url
}
