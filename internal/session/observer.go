package session

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/tripcarbon/internal/model"
)

// Subscriber はセッション状態の変化を受け取る関数。
// 通知は発生順に1つずつ届く。購読者の中からControllerの操作を呼んでもよい。
type Subscriber func(model.Snapshot)

// Subscribe は購読者を登録し、解除用のIDを返す。
func (c *Controller) Subscribe(fn Subscriber) string {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := uuid.NewString()
	c.subs[id] = fn
	return id
}

// Unsubscribe は購読を解除する。存在した場合はtrueを返す。
func (c *Controller) Unsubscribe(id string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

// publish は現在の状態を通知待ちの列に積み、列が空になるまで購読者に配信する。
// 他のゴルーチンや購読者の中から既に配信中であれば、積むだけで戻り、配信中の呼び出しが順に届ける。
func (c *Controller) publish() {
	c.subMu.Lock()
	c.queue = append(c.queue, c.Snapshot())
	if c.delivering {
		c.subMu.Unlock()
		return
	}
	c.delivering = true

	for len(c.queue) > 0 {
		snap := c.queue[0]
		c.queue = c.queue[1:]
		subs := make([]Subscriber, 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.subMu.Unlock()

		for _, fn := range subs {
			c.notify(fn, snap)
		}
		c.subMu.Lock()
	}
	c.delivering = false
	c.subMu.Unlock()
}

// notify は購読者を呼び出す。購読者のpanicは他の購読者やサガに波及させない。
func (c *Controller) notify(fn Subscriber, snap model.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("session subscriber panicked",
				slog.String("state", string(snap.State)),
				slog.Any("panic", r),
			)
		}
	}()
	// 購読者ごとにコピーを渡す
	snap.User = snap.User.Clone()
	fn(snap)
}
