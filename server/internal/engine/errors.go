package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession 表示当前没有已加载的会话（play/pause/seek 的前置条件不满足）。
	ErrNoSession = errors.New("no active audio session")
	// ErrLocked 表示音频输出设备尚未被用户手势解锁。
	// 注意这不是 LoadError：加载可以照常完成，只是不能出声。
	ErrLocked = errors.New("audio output locked")
	// ErrSuperseded 表示一次 load 在完成前被更新的 load 取代，
	// 它的结果（无论成败）都已被丢弃，调用方应当忽略。
	ErrSuperseded = errors.New("load superseded by newer load")
	// ErrInvalidRate 表示倍速参数不是正数。
	ErrInvalidRate = errors.New("playback rate must be positive")
)

// LoadError 是唯一对用户可见的加载失败：缓存和网络都拿不到可解码的音频。
// 底层的抓取/解码错误在这里被归一，不会以原始形态穿透到上层。
type LoadError struct {
	// Key 是失败回合的缓存 key。
	Key string
	// Stage 标记失败环节："fetch" 或 "decode"。
	Stage string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s failed: %v", e.Key, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError 报告 err 是否为（或包裹了）一个 LoadError。
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
