package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"debate-replay/server/internal/model"
)

// PlayerControl 是网关对播放器的依赖面：下发动作、读取快照。
type PlayerControl interface {
	Apply(a model.Action)
	Snapshot() model.PlayerSnapshot
}

// ServerMessage 是服务端推给客户端的统一消息包装。
type ServerMessage struct {
	// Seq 单调递增，客户端据此丢弃乱序/过期的快照。
	Seq      int64                 `json:"seq"`
	Type     string                `json:"type"` // snapshot | error
	Snapshot *model.PlayerSnapshot `json:"snapshot,omitempty"`
	Error    string                `json:"error,omitempty"`
	ServerTS time.Time             `json:"server_ts"`
}

// Gateway 是播放器的 WebSocket 网关。
// 职责：
// 1. 维护客户端↔后端的 WebSocket 连接（一个播放器一条连接）
// 2. 上行：把客户端的 Action JSON 转给播放器
// 3. 下行：周期性推送播放器快照（只在快照变化时发，动作后立即补发一帧）
// 4. ping 保活
type Gateway struct {
	playerID string
	player   PlayerControl

	conn     *websocket.Conn
	connLock sync.Mutex

	// 序列号生成器（用于ServerMessage）
	seqCounter int64
	seqLock    sync.Mutex

	// 状态管理
	closeOnce sync.Once
	closeChan chan struct{}

	// kick 在动作处理完后触发一次立即推送，避免等下一个推送 tick。
	kick chan struct{}

	config Config

	logger *log.Logger
}

// Config 网关配置
type Config struct {
	PingInterval time.Duration
	// PushInterval 快照推送间隔
	PushInterval time.Duration
}

// New 创建网关实例；conn 的所有权移交给网关。
func New(playerID string, conn *websocket.Conn, player PlayerControl, config Config, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{
		playerID:  playerID,
		player:    player,
		conn:      conn,
		closeChan: make(chan struct{}),
		kick:      make(chan struct{}, 1),
		config:    config,
		logger:    logger,
	}
}

// Start 启动网关的读/推/保活循环。
func (g *Gateway) Start() {
	go g.readLoop()
	go g.pushLoop()
	go g.pingLoop()

	g.logger.Printf("[Gateway] started for player %s", g.playerID)
}

// Done 在网关关闭后可读，供上层等待连接生命周期结束。
func (g *Gateway) Done() <-chan struct{} {
	return g.closeChan
}

// readLoop 从客户端读取 Action 消息。
func (g *Gateway) readLoop() {
	defer g.Close()

	for {
		select {
		case <-g.closeChan:
			return
		default:
		}

		messageType, data, err := g.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Printf("[Gateway] client read error: %v", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			// 本协议只有 JSON 文本帧，二进制帧直接忽略。
			continue
		}

		if err := g.handleAction(data); err != nil {
			g.logger.Printf("[Gateway] handle action error: %v", err)
			// 发送错误给客户端，但不断开连接
			g.sendError(err.Error())
		}
	}
}

// handleAction 解析并应用一条客户端动作，随后触发一次立即推送。
func (g *Gateway) handleAction(data []byte) error {
	var a model.Action
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("unmarshal action: %w", err)
	}
	if a.Type == "" {
		return errors.New("action missing type")
	}

	g.logger.Printf("[Gateway] action: player=%s type=%s", g.playerID, a.Type)
	g.player.Apply(a)

	select {
	case g.kick <- struct{}{}:
	default:
	}
	return nil
}

// pushLoop 周期性推送快照；内容没变就跳过这一帧。
func (g *Gateway) pushLoop() {
	interval := g.config.PushInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last model.PlayerSnapshot
	sent := false

	push := func(force bool) {
		snap := g.player.Snapshot()
		if sent && !force && reflect.DeepEqual(snap, last) {
			return
		}
		last = snap
		sent = true
		if err := g.send(&ServerMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
			g.logger.Printf("[Gateway] push snapshot failed: %v", err)
		}
	}

	// 连接建立后先发一帧，客户端不用空等第一个 tick。
	push(true)

	for {
		select {
		case <-g.closeChan:
			return
		case <-g.kick:
			push(true)
		case <-ticker.C:
			push(false)
		}
	}
}

// send 发送消息给客户端
func (g *Gateway) send(msg *ServerMessage) error {
	// 分配序列号
	g.seqLock.Lock()
	g.seqCounter++
	msg.Seq = g.seqCounter
	g.seqLock.Unlock()

	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}

	g.connLock.Lock()
	defer g.connLock.Unlock()

	if g.conn == nil {
		return errors.New("client connection is closed")
	}

	if err := g.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

func (g *Gateway) sendError(errMsg string) error {
	return g.send(&ServerMessage{Type: "error", Error: errMsg})
}

// pingLoop 定期发送ping保持连接
func (g *Gateway) pingLoop() {
	interval := g.config.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.closeChan:
			return
		case <-ticker.C:
			g.connLock.Lock()
			if g.conn != nil {
				g.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			}
			g.connLock.Unlock()
		}
	}
}

// Close 关闭网关与底层连接。
func (g *Gateway) Close() error {
	var closeErr error

	g.closeOnce.Do(func() {
		g.logger.Printf("[Gateway] closing player %s", g.playerID)
		close(g.closeChan)

		g.connLock.Lock()
		defer g.connLock.Unlock()

		if g.conn == nil {
			return
		}
		g.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		closeErr = g.conn.Close()
		g.conn = nil
	})

	return closeErr
}
