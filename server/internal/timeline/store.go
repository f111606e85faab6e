package timeline

import (
	"context"

	"debate-replay/server/internal/model"
)

type Store interface {
	// Append 以 append-first 的契约记录一条播放事实，返回本次写入的 seq。
	// 约定：同一 player 的 seq 单调递增。
	Append(ctx context.Context, playerID string, evt *model.Event) (int64, error)
	// List 返回该 player 的全量事件，用于回放与排障。
	List(ctx context.Context, playerID string) ([]model.Event, error)
}
