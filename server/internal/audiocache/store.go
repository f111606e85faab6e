package audiocache

import (
	"context"
	"errors"
)

// ErrNotFound 表示缓存里没有该 key 的音频。
var ErrNotFound = errors.New("audio not cached")

// Store 是回合音频的本地缓存：key 是 RoundID，value 是原始音频字节。
//
// 契约：
//   - 缓存只是性能优化，绝不是正确性依赖。写失败（配额/存储不可用）由调用方
//     吞掉并打日志，播放路径必须有重新走网络的兜底。
//   - 条目按内容寻址、整体写入，不存在半更新状态；同 key 同字节的并发写是
//     幂等的，last-write-wins 即安全。
//   - 不做自动过期，清理是宿主环境的事。
type Store interface {
	// Get 返回该 key 缓存的音频字节；未命中返回 ErrNotFound。
	Get(ctx context.Context, key string) ([]byte, error)
	// Put 写入（或覆盖）该 key 的音频字节。
	Put(ctx context.Context, key string, data []byte) error
	// Has 报告该 key 是否已缓存，预加载器用它跳过已有条目。
	Has(ctx context.Context, key string) (bool, error)
}
