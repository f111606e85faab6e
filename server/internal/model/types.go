package model

import "time"

// Speaker 描述辩论中的一个 AI 角色（仅用于前端高亮，播放引擎不关心它的含义）。
type Speaker struct {
	SpeakerID string `json:"speaker_id"`
	Name      string `json:"name"`
	Stance    string `json:"stance"`
	Voice     string `json:"voice"`
	Avatar    string `json:"avatar,omitempty"`
}

// Round 表示辩论中的一个回合：一个角色的一段台词 + 一段已生成好的音频。
// 约定：交给播放器之后 Round 不可变；播放中途重排回合属于未定义行为。
type Round struct {
	// RoundID 是回合的稳定标识，同时也是音频缓存的 key。
	// 缓存 key 一定从这里派生，而不是从 AudioLocator 派生：
	// 签名 URL 每次访问可能变化，RoundID 不会。
	RoundID string `json:"round_id"`
	// Order 在同一场辩论内严格递增，定义播放顺序。
	Order int `json:"order"`
	// SpeakerID 标识本回合的发言角色。
	SpeakerID string `json:"speaker_id"`
	// Transcript 是本回合的完整台词，只有文本同步器会用它。
	Transcript string `json:"transcript"`
	// AudioLocator 是可解析的音频地址（URL）。允许为空：
	// 空 locator 的回合是合法数据，但播放器会直接跳过它。
	AudioLocator string `json:"audio_locator"`
}

// Playable 报告该回合是否有音频可播。
func (r Round) Playable() bool {
	return r.AudioLocator != ""
}

// Debate 是一场完整的辩论剧本：元信息 + 有序回合列表。
type Debate struct {
	DebateID string    `json:"debate_id"`
	Title    string    `json:"title"`
	Topic    string    `json:"topic"`
	Speakers []Speaker `json:"speakers"`
	Rounds   []Round   `json:"rounds"`
}

// DebateSummary 是辩论列表页需要的摘要信息。
type DebateSummary struct {
	DebateID   string `json:"debate_id"`
	Title      string `json:"title"`
	Topic      string `json:"topic"`
	RoundCount int    `json:"round_count"`
}

// PlayerSnapshot 是播放器对外的只读状态快照。
// UI 只读取它并下发 Action，绝不直接改播放状态。
type PlayerSnapshot struct {
	PlayerID string `json:"player_id"`
	DebateID string `json:"debate_id"`

	// 当前回合与回合总数。
	CurrentIndex int `json:"current_index"`
	RoundCount   int `json:"round_count"`
	// 当前回合的发言角色（空表示还没有回合）。
	SpeakerID string `json:"speaker_id,omitempty"`

	// 播放状态。Loading 表示一次 load 还在路上（缓存查找/网络抓取/解码）。
	IsPlaying bool `json:"is_playing"`
	Loading   bool `json:"loading"`
	Completed bool `json:"completed"`

	// 进度（秒）。Duration 在解码完成前为 0。
	Elapsed  float64 `json:"elapsed"`
	Duration float64 `json:"duration"`
	Rate     float64 `json:"rate"`

	// 文本同步：当前应展示的台词词数与总词数。
	WordsToReveal int `json:"words_to_reveal"`
	WordCount     int `json:"word_count"`

	// ErrorMessage 非空表示本次尝试失败（LoadError 或音频输出未解锁）。
	// 播放器不会自动重试也不会自动跳过，由调用方决定重试或换回合。
	ErrorMessage string `json:"error_message,omitempty"`
}

// ActionType 定义了播放器的动作面。
type ActionType string

const (
	ActionTogglePlay ActionType = "toggle_play"
	ActionNextRound  ActionType = "next_round"
	ActionPrevRound  ActionType = "prev_round"
	ActionSeek       ActionType = "seek"
	ActionSetRate    ActionType = "set_rate"
	ActionSetRound   ActionType = "set_round"
	// ActionUnlock 对应浏览器侧的用户手势：解锁音频输出设备。
	ActionUnlock ActionType = "unlock"
)

// Action 是 UI 下发给播放器的一条控制指令。
type Action struct {
	Type ActionType `json:"type"`
	// Seconds 用于 seek（目标秒数）。
	Seconds float64 `json:"seconds,omitempty"`
	// Rate 用于 set_rate，必须为正数。
	Rate float64 `json:"rate,omitempty"`
	// Index 用于 set_round（直接跳到指定回合）。
	Index int `json:"index,omitempty"`
}

// Event 是播放时间线中的一条事实记录，用于回放与排障。
type Event struct {
	// Seq 由后端分配的单调序号。
	Seq int64 `json:"seq,omitempty"`
	// PlayerID 由播放器补齐。
	PlayerID string `json:"player_id,omitempty"`

	// Type 表示事件类型（rounds_set/round_loaded/play/pause/seek/rate_changed/round_ended/load_failed/completed）。
	Type string `json:"type"`
	// RoundIndex 是事件发生时的回合下标。
	RoundIndex int `json:"round_index"`
	// Seconds/Rate 承载 seek 与倍速类事件的参数。
	Seconds float64 `json:"seconds,omitempty"`
	Rate    float64 `json:"rate,omitempty"`
	// Error 承载失败类事件的原因。
	Error string `json:"error,omitempty"`

	TS time.Time `json:"ts"`
}

// CreatePlayerResponse 是创建播放器的响应结构体。
type CreatePlayerResponse struct {
	PlayerID string         `json:"player_id"`
	Snapshot PlayerSnapshot `json:"snapshot"`
}
