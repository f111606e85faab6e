// Package player 实现播放编排器：它是"当前回合/是否在播/进度/倍速"的唯一事实源，
// 向下对音频会话引擎发指令，向上只暴露只读快照和动作面。
package player

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"debate-replay/server/internal/engine"
	"debate-replay/server/internal/model"
	"debate-replay/server/internal/preload"
	"debate-replay/server/internal/textsync"
	"debate-replay/server/internal/timeline"
)

// Engine 是播放器对音频会话引擎的依赖面，测试里用假引擎替换。
type Engine interface {
	Load(ctx context.Context, locator, key string, autoplay bool) (engine.Clip, error)
	Play() error
	Pause() error
	Seek(target time.Duration) (time.Duration, error)
	SetRate(rate float64) error
	Stop()
	Unlock()
}

// lockedMessage 是输出门控未解锁时的用户可见提示，与 LoadError 走同一个
// ErrorMessage 通道但语义不同：重试它的方式是解锁手势，不是换网络。
const lockedMessage = "audio output locked: user gesture required before playback"

// Player 持有一场辩论的全部播放状态。
//
// 状态机：Idle → Loading(回合) → Playing ⇄ Paused → Loading(下一回合) → ... → Completed。
// 约定：
//   - 所有状态变更都走动作方法，外部只能读快照；动作方法从不返回错误，
//     失败落在快照的 ErrorMessage 里，UI 声明式地渲染它。
//   - 回合自然播完触发自动推进：直接以 autoplay 发起下一轮 load，
//     不需要任何显式 play 指令。
//   - LoadError 不自动重试也不自动跳过（静默跳过会让用户不知不觉漏内容）；
//     重试当前回合用 toggle_play，跳过用 next_round。
//   - 倍速跨回合保持：用户选了 1.5x，之后每个回合都以 1.5x 播。
type Player struct {
	mu sync.Mutex

	id       string
	debateID string
	rounds   []model.Round
	idx      int

	loaded    bool
	loading   bool
	playing   bool
	completed bool
	closed    bool
	errMsg    string

	elapsed  time.Duration
	duration time.Duration
	rate     float64

	// loadGen 每发起一次 load 自增；过期 load 的提交在这里再挡一道
	// （引擎侧的 ErrSuperseded 是第一道）。
	loadGen uint64

	completeFired bool
	onComplete    func()

	eng    Engine
	pre    *preload.Preloader
	tl     timeline.Store
	now    func() time.Time
	logger *log.Logger
}

func New(id string, eng Engine, pre *preload.Preloader, tl timeline.Store, logger *log.Logger) *Player {
	if logger == nil {
		logger = log.Default()
	}
	return &Player{
		id:     id,
		rate:   1.0,
		eng:    eng,
		pre:    pre,
		tl:     tl,
		now:    time.Now,
		logger: logger,
	}
}

// ID 返回播放器标识。
func (p *Player) ID() string {
	return p.id
}

// OnComplete 注册整场播完的通知，恰好回调一次。
func (p *Player) OnComplete(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onComplete = fn
}

// SetRounds 装入一场辩论的回合列表并回到初始态。
// 回合按 Order 排序后冻结；随手把所有回合交给预加载器暖缓存。
func (p *Player) SetRounds(debateID string, rounds []model.Round) {
	rs := make([]model.Round, len(rounds))
	copy(rs, rounds)
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Order < rs[j].Order })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.loadGen++ // 作废在途 load 的提交
	p.debateID = debateID
	p.rounds = rs
	p.idx = 0
	p.loaded = false
	p.loading = false
	p.playing = false
	p.completed = false
	p.completeFired = false
	p.errMsg = ""
	p.elapsed = 0
	p.duration = 0
	p.mu.Unlock()

	p.eng.Stop()
	p.appendEvent(model.Event{Type: "rounds_set"})

	if p.pre != nil {
		p.pre.Warm(context.Background(), rs)
	}
}

// TogglePlay 是播放/暂停的统一入口，同时承担三类"再来一次"：
// 首次加载、LoadError 后的重试、整场播完后的重播。
func (p *Player) TogglePlay() {
	p.mu.Lock()
	switch {
	case p.closed || len(p.rounds) == 0 || p.loading:
		p.mu.Unlock()
		return

	case p.completed:
		// 播完之后再 toggle：从头重播。
		p.completed = false
		p.completeFired = false
		p.mu.Unlock()
		p.loadRound(0, +1, true)
		return

	case !p.loaded || p.errMsg != "":
		// 首次加载，或上次失败后的重试（同一回合，不跳过）。
		start := p.idx
		p.mu.Unlock()
		p.loadRound(start, +1, true)
		return

	case p.playing:
		p.mu.Unlock()
		if err := p.eng.Pause(); err != nil {
			p.logger.Printf("[Player] pause failed: %v", err)
			return
		}
		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()
		p.appendEvent(model.Event{Type: "pause", Seconds: p.Snapshot().Elapsed})
		return

	default:
		p.mu.Unlock()
		err := p.eng.Play()
		p.mu.Lock()
		switch {
		case err == nil:
			p.playing = true
			p.errMsg = ""
		case errors.Is(err, engine.ErrLocked):
			p.errMsg = lockedMessage
		default:
			p.logger.Printf("[Player] play failed: %v", err)
		}
		p.mu.Unlock()
		// 时间线记事实不记尝试：没播起来就不写 play。
		if err == nil {
			p.appendEvent(model.Event{Type: "play"})
		}
	}
}

// NextRound 显式跳到下一个可播回合，保持当前的播放/暂停意图。
func (p *Player) NextRound() {
	p.mu.Lock()
	if len(p.rounds) == 0 {
		p.mu.Unlock()
		return
	}
	start := p.idx + 1
	autoplay := p.playing
	p.mu.Unlock()

	p.loadRound(start, +1, autoplay)
}

// PrevRound 显式跳到上一个可播回合。前面已无可播回合时原地不动。
func (p *Player) PrevRound() {
	p.mu.Lock()
	if len(p.rounds) == 0 {
		p.mu.Unlock()
		return
	}
	start := p.idx - 1
	autoplay := p.playing
	p.mu.Unlock()

	p.loadRound(start, -1, autoplay)
}

// SetRound 直接跳到指定下标的回合（越界则忽略）。
func (p *Player) SetRound(index int) {
	p.mu.Lock()
	if index < 0 || index >= len(p.rounds) {
		p.mu.Unlock()
		return
	}
	autoplay := p.playing
	p.mu.Unlock()

	p.loadRound(index, +1, autoplay)
}

// Seek 把当前回合的播放头跳到指定秒数；只在回合加载成功后可用，
// 不改变播放/暂停状态。
func (p *Player) Seek(seconds float64) {
	p.mu.Lock()
	if !p.loaded {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	got, err := p.eng.Seek(time.Duration(seconds * float64(time.Second)))
	if err != nil {
		p.logger.Printf("[Player] seek failed: %v", err)
		return
	}

	p.mu.Lock()
	p.elapsed = got
	p.mu.Unlock()
	p.appendEvent(model.Event{Type: "seek", Seconds: got.Seconds()})
}

// SetRate 设置倍速；立即作用于当前会话，并在后续所有回合保持。
func (p *Player) SetRate(rate float64) {
	if err := p.eng.SetRate(rate); err != nil {
		p.logger.Printf("[Player] rate rejected: %v", err)
		return
	}

	p.mu.Lock()
	p.rate = rate
	p.mu.Unlock()
	p.appendEvent(model.Event{Type: "rate_changed", Rate: rate})
}

// Unlock 把 UI 侧的解锁手势转发给引擎，并清掉门控类错误提示。
func (p *Player) Unlock() {
	p.eng.Unlock()

	p.mu.Lock()
	if p.errMsg == lockedMessage {
		p.errMsg = ""
	}
	p.mu.Unlock()
}

// Apply 按动作类型分发，websocket 网关和 HTTP 动作端点共用这一入口。
func (p *Player) Apply(a model.Action) {
	switch a.Type {
	case model.ActionTogglePlay:
		p.TogglePlay()
	case model.ActionNextRound:
		p.NextRound()
	case model.ActionPrevRound:
		p.PrevRound()
	case model.ActionSeek:
		p.Seek(a.Seconds)
	case model.ActionSetRate:
		p.SetRate(a.Rate)
	case model.ActionSetRound:
		p.SetRound(a.Index)
	case model.ActionUnlock:
		p.Unlock()
	default:
		p.logger.Printf("[Player] unknown action: %s", a.Type)
	}
}

// HandleProgress 接收引擎的进度 tick。由构造方把它注册为引擎的 OnProgress。
func (p *Player) HandleProgress(elapsed, duration time.Duration) {
	p.mu.Lock()
	if p.loaded && !p.completed {
		p.elapsed = elapsed
		p.duration = duration
	}
	p.mu.Unlock()
}

// HandleEnd 接收引擎的片尾通知并驱动自动推进：
// 后面还有可播回合就直接以 autoplay 发起下一轮 load；没有就进入 Completed。
func (p *Player) HandleEnd() {
	p.mu.Lock()
	if p.closed || !p.loaded || p.completed {
		p.mu.Unlock()
		return
	}
	p.elapsed = p.duration
	next := p.idx + 1
	p.mu.Unlock()

	p.appendEvent(model.Event{Type: "round_ended"})
	p.loadRound(next, +1, true)
}

// Snapshot 返回只读状态快照，附带文本同步的逐词揭示进度。
func (p *Player) Snapshot() model.PlayerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := model.PlayerSnapshot{
		PlayerID:     p.id,
		DebateID:     p.debateID,
		CurrentIndex: p.idx,
		RoundCount:   len(p.rounds),
		IsPlaying:    p.playing,
		Loading:      p.loading,
		Completed:    p.completed,
		Elapsed:      p.elapsed.Seconds(),
		Duration:     p.duration.Seconds(),
		Rate:         p.rate,
		ErrorMessage: p.errMsg,
	}

	if p.idx >= 0 && p.idx < len(p.rounds) {
		round := p.rounds[p.idx]
		snap.SpeakerID = round.SpeakerID
		snap.WordCount = textsync.CountWords(round.Transcript)
		snap.WordsToReveal = textsync.WordsToReveal(snap.Elapsed, snap.Duration, snap.WordCount)
	}
	return snap
}

// Close 释放播放器持有的音频资源并进入终态：之后所有动作都是 no-op。
// 删除播放器后网关连接可能还活着，终态保证迟到的动作帧不会复活引擎会话。
func (p *Player) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.loadGen++
	p.loaded = false
	p.loading = false
	p.playing = false
	p.mu.Unlock()

	p.eng.Stop()
}

// loadRound 从 start 开始沿 dir 方向找到第一个可播回合并加载它。
// 空 locator 的回合被直接跳过，不会触发引擎；正向找不到可播回合即整场结束。
func (p *Player) loadRound(start, dir int, autoplay bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	idx, ok := p.nextPlayableLocked(start, dir)
	if !ok {
		if dir > 0 {
			p.finishLocked()
			return // finishLocked 自己负责解锁与通知
		}
		p.mu.Unlock()
		return
	}

	p.idx = idx
	p.loadGen++
	gen := p.loadGen
	round := p.rounds[idx]
	p.loading = true
	p.loaded = false
	p.playing = false
	p.errMsg = ""
	p.elapsed = 0
	p.duration = 0
	p.mu.Unlock()

	clip, err := p.eng.Load(context.Background(), round.AudioLocator, round.RoundID, autoplay)

	p.mu.Lock()
	if gen != p.loadGen {
		// 这次 load 已被更新的指令取代，结果作废。
		p.mu.Unlock()
		return
	}
	p.loading = false

	var evt model.Event
	switch {
	case err == nil:
		p.loaded = true
		p.duration = clip.Duration
		p.playing = autoplay
		p.completed = false
		p.completeFired = false
		evt = model.Event{Type: "round_loaded", Seconds: clip.Seconds()}

	case errors.Is(err, engine.ErrSuperseded):
		// 引擎侧已判定过期；状态由取代它的那次 load 负责。

	case errors.Is(err, engine.ErrLocked):
		// 会话就绪但出不了声：不算加载失败，等解锁手势。
		p.loaded = true
		p.duration = clip.Duration
		p.completed = false
		p.completeFired = false
		p.errMsg = lockedMessage
		evt = model.Event{Type: "round_loaded", Seconds: clip.Seconds(), Error: lockedMessage}

	default:
		// LoadError：停住，亮错误，把重试/跳过的选择权留给用户。
		p.errMsg = err.Error()
		evt = model.Event{Type: "load_failed", Error: err.Error()}
		p.logger.Printf("[Player] ❌ load round %d failed: %v", idx, err)
	}
	p.mu.Unlock()

	if evt.Type != "" {
		p.appendEvent(evt)
	}
}

// nextPlayableLocked 从 start 沿 dir 方向找第一个有音频的回合。
func (p *Player) nextPlayableLocked(start, dir int) (int, bool) {
	for i := start; i >= 0 && i < len(p.rounds); i += dir {
		if p.rounds[i].Playable() {
			return i, true
		}
	}
	return 0, false
}

// finishLocked 进入 Completed 态并通知调用方（恰好一次）。
// 进入时持有 p.mu，本函数负责解锁。
func (p *Player) finishLocked() {
	p.playing = false
	p.loading = false
	p.completed = true

	var notify func()
	if !p.completeFired {
		p.completeFired = true
		notify = p.onComplete
	}
	p.mu.Unlock()

	p.appendEvent(model.Event{Type: "completed"})
	if notify != nil {
		notify()
	}
}

// appendEvent 把一条播放事实写进时间线；时间线是排障用的旁路，写失败只打日志。
func (p *Player) appendEvent(evt model.Event) {
	if p.tl == nil {
		return
	}

	p.mu.Lock()
	evt.RoundIndex = p.idx
	p.mu.Unlock()
	evt.TS = p.now()

	if _, err := p.tl.Append(context.Background(), p.id, &evt); err != nil {
		p.logger.Printf("[Player] timeline append failed: %v", err)
	}
}
