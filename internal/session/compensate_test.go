package session

import (
	"context"
	"errors"
	"testing"
)

func TestRetryN(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		wantCalls int
		wantErr   bool
	}{
		{name: "初回成功", attempts: 2, failures: 0, wantCalls: 1},
		{name: "2回目で成功", attempts: 2, failures: 1, wantCalls: 2},
		{name: "すべて失敗", attempts: 2, failures: 5, wantCalls: 2, wantErr: true},
		{name: "1回のみ", attempts: 1, failures: 5, wantCalls: 1, wantErr: true},
		{name: "0回", attempts: 0, failures: 0, wantCalls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			n, err := retryN(context.Background(), tt.attempts, func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return errFake
				}
				return nil
			})

			if n != tt.wantCalls || calls != tt.wantCalls {
				t.Errorf("attempts = %d (calls %d), want %d", n, calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, errFake) {
				t.Errorf("err = %v, want %v", err, errFake)
			}
		})
	}
}

func TestRetryN_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	n, err := retryN(ctx, 3, func(context.Context) error {
		calls++
		cancel()
		return errFake
	})

	if n != 1 || calls != 1 {
		t.Errorf("attempts = %d (calls %d), want 1", n, calls)
	}
	if !errors.Is(err, errFake) {
		t.Errorf("err = %v, want %v", err, errFake)
	}
}
