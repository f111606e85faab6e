// Package engine 实现音频会话引擎：同一时刻至多持有一个可播放的音频会话，
// 对外提供 load/play/pause/seek/rate/stop 和进度回调契约。
package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"debate-replay/server/internal/audiocache"
	"debate-replay/server/internal/fetch"
)

// GateState 表示音频输出设备的门控状态。
// 浏览器里音频必须由用户手势解锁才能出声，这里把它建模成显式输入，
// 而不是和加载失败混在一起。
type GateState int

const (
	GateLocked GateState = iota
	GateUnlocked
)

// ProgressFunc 在播放期间以 UI 刷新级别的节奏被调用（不是音频回调级别，
// 比 ~16ms 更细的精度既无必要也浪费）。
type ProgressFunc func(elapsed, duration time.Duration)

// EndFunc 在播放自然到达片尾时恰好调用一次；stop/pause 不会触发它。
type EndFunc func()

// Options 配置引擎的可调项，零值均有合理默认。
type Options struct {
	// TickInterval 是进度回调的节奏，默认 50ms。
	TickInterval time.Duration
	// Unlocked 为 true 时跳过输出门控（无头/服务端场景）。
	Unlocked bool
	// Now 可注入时钟，测试用；默认 time.Now。
	Now    func() time.Time
	Logger *log.Logger
}

const defaultTickInterval = 50 * time.Millisecond

// Engine 是音频会话引擎。
//
// 职责与契约：
//   - 至多一个活跃会话：Load 永远先拆掉旧会话再建新会话（先停后播），
//     这是引擎最重要的不变式——忘掉它就会出现两个回合叠音。
//   - 取音频先问缓存再走网络；网络取回的字节以 fire-and-forget 方式回写缓存，
//     回写失败只打日志，绝不阻塞播放。
//   - 过期 load 抑制：load(A) 还在路上时发出 load(B)，A 的最终结果
//     （无论成败）必须是 no-op（返回 ErrSuperseded）。
//   - 会话 N 的进度 tick 严格停止之后，会话 N+1 的 tick 才会开始。
type Engine struct {
	mu sync.Mutex

	cache   audiocache.Store
	fetchFn fetch.Func
	now     func() time.Time
	logger  *log.Logger

	tickInterval time.Duration
	gate         GateState
	rate         float64

	// loadSeq 每次 Load 自增，用于判定过期的 load 结果。
	loadSeq uint64
	sess    *session

	onProgress ProgressFunc
	onEnd      EndFunc
}

// session 是绑定到单个回合的活跃播放资源。
// 播放头由引擎时钟驱动：pos 记录暂停时刻的进度，播放中按 rate 折算墙钟时间。
type session struct {
	key  string
	clip Clip

	pos          time.Duration
	playingSince time.Time
	playing      bool
	ended        bool

	// run 是当前播放段的 tick loop 句柄；暂停/停止会摘掉它并等它退出。
	run *tickRun
}

// tickRun 把 tick loop 做成可取消的订阅：stop 由摘除方关闭，
// done 由 loop 退出时关闭，保证每条启动路径都有对应的收尾。
type tickRun struct {
	stop chan struct{}
	done chan struct{}
}

// position 计算当前播放进度。
func (s *session) position(now time.Time, rate float64) time.Duration {
	if !s.playing {
		return s.pos
	}
	return s.pos + time.Duration(float64(now.Sub(s.playingSince))*rate)
}

func New(cache audiocache.Store, fetchFn fetch.Func, opts Options) *Engine {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	gate := GateLocked
	if opts.Unlocked {
		gate = GateUnlocked
	}
	return &Engine{
		cache:        cache,
		fetchFn:      fetchFn,
		now:          opts.Now,
		logger:       opts.Logger,
		tickInterval: opts.TickInterval,
		gate:         gate,
		rate:         1.0,
	}
}

// OnProgress 注册进度回调。回调在引擎内部锁之外执行，可以安全地回调引擎方法。
func (e *Engine) OnProgress(fn ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onProgress = fn
}

// OnEnd 注册片尾回调。
func (e *Engine) OnEnd(fn EndFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEnd = fn
}

// Load 加载一个回合的音频并（可选）直接开播。
//
// 解析路径：缓存命中 → 直接用缓存字节，不碰网络；未命中 → 网络抓取，
// 回写缓存（不阻塞本次返回）。缓存里的坏字节会触发一次回源重抓。
// 两条路都拿不到可解码字节时返回 *LoadError。
//
// autoplay 为 true 且输出未解锁时，会话照常就绪（暂停态），返回 ErrLocked。
func (e *Engine) Load(ctx context.Context, locator, key string, autoplay bool) (Clip, error) {
	e.mu.Lock()
	e.loadSeq++
	seq := e.loadSeq
	run := e.detachCurrentLocked()
	e.mu.Unlock()
	// 先停后播：等旧会话的 tick loop 真正退出，新会话的 tick 才可能开始。
	e.waitTickRun(run)

	data, fromCache, err := e.resolve(ctx, locator, key)
	if err != nil {
		return Clip{}, e.failLoad(seq, &LoadError{Key: key, Stage: "fetch", Err: err})
	}

	clip, err := Probe(data)
	if err != nil && fromCache {
		// 缓存里的字节解不开：回源重抓一次，顺手覆盖掉坏条目。
		e.logger.Printf("[Engine] cached bytes undecodable, refetching: key=%s err=%v", key, err)
		data, err = e.fetchFn(ctx, locator)
		if err != nil {
			return Clip{}, e.failLoad(seq, &LoadError{Key: key, Stage: "fetch", Err: err})
		}
		fromCache = false
		clip, err = Probe(data)
	}
	if err != nil {
		return Clip{}, e.failLoad(seq, &LoadError{Key: key, Stage: "decode", Err: err})
	}

	if !fromCache {
		e.writeBack(key, data)
	}

	s := &session{key: key, clip: clip}
	if err := e.commitLoad(seq, s, autoplay); err != nil {
		if errors.Is(err, ErrLocked) {
			// 会话已就绪，只是出不了声；调用方解锁后 Play 即可。
			return clip, err
		}
		return Clip{}, err
	}
	return clip, nil
}

// resolve 取回音频字节：先缓存后网络。缓存读故障按未命中处理。
func (e *Engine) resolve(ctx context.Context, locator, key string) (data []byte, fromCache bool, err error) {
	cached, err := e.cache.Get(ctx, key)
	if err == nil {
		return cached, true, nil
	}
	if !errors.Is(err, audiocache.ErrNotFound) {
		e.logger.Printf("[Engine] cache read failed, falling back to network: key=%s err=%v", key, err)
	}

	data, err = e.fetchFn(ctx, locator)
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

// writeBack 把网络字节回写缓存。fire-and-forget：失败只打日志，
// 绝不出现在播放关键路径上。
func (e *Engine) writeBack(key string, data []byte) {
	go func() {
		if err := e.cache.Put(context.Background(), key, data); err != nil {
			e.logger.Printf("[Engine] ⚠️ cache write failed: key=%s size=%d err=%v", key, len(data), err)
		}
	}()
}

// failLoad 提交一次失败的 load：若期间有更新的 load，本次失败作废。
func (e *Engine) failLoad(seq uint64, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seq != e.loadSeq {
		return ErrSuperseded
	}
	return cause
}

// commitLoad 提交一次成功的 load。会话挂载与 autoplay 的起播在同一临界区内完成，
// 保证过期 load 构造出的会话不可能被挂载，也不可能把别人的会话播起来。
func (e *Engine) commitLoad(seq uint64, s *session, autoplay bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seq != e.loadSeq {
		return ErrSuperseded
	}
	e.sess = s
	if !autoplay {
		return nil
	}
	if e.gate != GateUnlocked {
		return ErrLocked
	}
	e.startPlayLocked(s)
	return nil
}

// Play 开始/恢复当前会话的播放。已在播放中则为 no-op。
// 输出门控未解锁时返回 ErrLocked（这不是 LoadError，不要混为一谈）。
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gate != GateUnlocked {
		return ErrLocked
	}
	s := e.sess
	if s == nil {
		return ErrNoSession
	}
	if s.playing || s.ended {
		return nil
	}
	e.startPlayLocked(s)
	return nil
}

func (e *Engine) startPlayLocked(s *session) {
	s.playing = true
	s.playingSince = e.now()
	run := &tickRun{stop: make(chan struct{}), done: make(chan struct{})}
	s.run = run
	go e.runTicks(s, run)
}

// Pause 暂停播放并停掉 tick loop，保留播放位置。已暂停则为 no-op。
func (e *Engine) Pause() error {
	e.mu.Lock()
	s := e.sess
	if s == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	if !s.playing {
		e.mu.Unlock()
		return nil
	}
	s.pos = s.position(e.now(), e.rate)
	s.playing = false
	run := s.run
	s.run = nil
	e.mu.Unlock()

	e.waitTickRun(run)
	return nil
}

// Seek 把播放头跳到 target，夹在 [0, duration]；不改变播放/暂停状态。
// 返回实际落点。
func (e *Engine) Seek(target time.Duration) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.sess
	if s == nil {
		return 0, ErrNoSession
	}
	if target < 0 {
		target = 0
	}
	if target > s.clip.Duration {
		target = s.clip.Duration
	}
	s.pos = target
	if s.playing {
		s.playingSince = e.now()
	}
	if s.ended && target < s.clip.Duration {
		s.ended = false
	}
	return target, nil
}

// SetRate 设置倍速，立即作用于当前会话，并对后续所有 load 生效。
func (e *Engine) SetRate(rate float64) error {
	if rate <= 0 {
		return ErrInvalidRate
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s := e.sess; s != nil && s.playing {
		// 把旧倍速下已累计的进度折算进 pos，再切换倍速。
		now := e.now()
		s.pos = s.position(now, e.rate)
		s.playingSince = now
	}
	e.rate = rate
	return nil
}

// Rate 返回当前倍速。
func (e *Engine) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// Stop 停止播放并释放当前会话。幂等：没有会话时什么也不做。
// Stop 之后该会话绝不会再发出 onEnd 或进度 tick。
func (e *Engine) Stop() {
	e.mu.Lock()
	run := e.detachCurrentLocked()
	e.mu.Unlock()
	e.waitTickRun(run)
}

// Unlock 解锁音频输出（对应 UI 侧的用户手势）。
func (e *Engine) Unlock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = GateUnlocked
}

// Gate 返回输出门控状态。
func (e *Engine) Gate() GateState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate
}

// Position 返回当前会话的进度与时长；没有会话时 ok 为 false。
func (e *Engine) Position() (elapsed, duration time.Duration, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.sess
	if s == nil {
		return 0, 0, false
	}
	return s.position(e.now(), e.rate), s.clip.Duration, true
}

// detachCurrentLocked 摘下当前会话，返回需要收尾的 tick loop 句柄。
// 调用方必须在释放锁之后调用 waitTickRun。
func (e *Engine) detachCurrentLocked() *tickRun {
	s := e.sess
	if s == nil {
		return nil
	}
	e.sess = nil
	s.playing = false
	run := s.run
	s.run = nil
	return run
}

// waitTickRun 通知 tick loop 停止并等它真正退出。
func (e *Engine) waitTickRun(run *tickRun) {
	if run == nil {
		return
	}
	close(run.stop)
	<-run.done
}

// runTicks 是一段播放期的进度采样循环。退出条件：被摘除（stop 关闭）、
// 会话不再是当前会话、播放暂停、或自然播完。
func (e *Engine) runTicks(s *session, run *tickRun) {
	defer close(run.done)

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-run.stop:
			return
		case <-ticker.C:
			if !e.step(s, run) {
				return
			}
		}
	}
}

// step 采样一次进度并分发回调；返回 false 表示 loop 应当退出。
// 回调在锁外调用，onEnd 里同步发起下一轮 Load 是安全的。
func (e *Engine) step(s *session, run *tickRun) bool {
	e.mu.Lock()
	if e.sess != s || s.run != run || !s.playing {
		e.mu.Unlock()
		return false
	}

	dur := s.clip.Duration
	pos := s.position(e.now(), e.rate)
	ended := false
	if pos >= dur {
		pos = dur
		s.pos = dur
		s.playing = false
		s.ended = true
		s.run = nil
		ended = true
	}
	onProgress, onEnd := e.onProgress, e.onEnd
	e.mu.Unlock()

	if onProgress != nil {
		onProgress(pos, dur)
	}
	if ended {
		if onEnd != nil {
			onEnd()
		}
		return false
	}
	return true
}
