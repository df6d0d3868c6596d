package session

import (
	"context"
	"log/slog"
)

// IdPアカウント削除による補償の試行回数。
// サインアップとGoogleサインインで回数が異なるのは意図的で、統一しない。
const (
	signUpCompensationAttempts    = 2
	federatedCompensationAttempts = 1
)

// retryN はfnを最大attempts回実行し、成功した時点で止める。
// 実行した回数と最後のエラーを返す。ctxが終了した場合は残りの試行を行わない。
func retryN(ctx context.Context, attempts int, fn func(context.Context) error) (int, error) {
	var err error
	n := 0
	for n < attempts {
		n++
		if err = fn(ctx); err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return n, err
}

// compensate はバックエンドでのユーザー作成に失敗した後、IdPに作成済みのアカウントを削除する。
// 一度バックエンドを呼んだ後は呼び出し元のキャンセルに関係なく実行する。
// すべての試行に失敗した場合、IdPアカウントは孤立したまま残るためエラーログとメトリクスに記録する。
func (c *Controller) compensate(ctx context.Context, op, providerUserID string, attempts int) {
	ctx = context.WithoutCancel(ctx)

	n, err := retryN(ctx, attempts, c.idp.DeleteCurrentAccount)
	if err == nil {
		c.logger.Info("identity account deleted by compensation",
			slog.String("operation", op),
			slog.String("provider_user_id", providerUserID),
			slog.Int("attempts", n),
		)
		c.recorder.RecordCompensation(op, true)
		return
	}

	c.logger.Error("orphaned identity account: compensation failed",
		slog.String("operation", op),
		slog.String("provider_user_id", providerUserID),
		slog.Int("attempts", n),
		slog.String("error", err.Error()),
	)
	c.recorder.RecordCompensation(op, false)
	c.recorder.RecordOrphanedAccount()

	// 孤立したアカウントのセッションを使い続けない
	if err := c.idp.SignOut(ctx); err != nil {
		c.logger.Warn("failed to sign out after compensation failure",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
	}
}
