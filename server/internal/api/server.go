package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"debate-replay/server/internal/audiocache"
	"debate-replay/server/internal/config"
	"debate-replay/server/internal/domain"
	"debate-replay/server/internal/engine"
	"debate-replay/server/internal/fetch"
	"debate-replay/server/internal/gateway"
	"debate-replay/server/internal/model"
	"debate-replay/server/internal/player"
	"debate-replay/server/internal/preload"
	"debate-replay/server/internal/timeline"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Server struct {
	config   *config.Config
	catalog  *domain.Catalog
	cache    audiocache.Store
	fetchFn  fetch.Func
	timeline timeline.Store
	preload  *preload.Preloader

	// players 管理所有活跃的播放器 (playerID -> player)
	players   map[string]*player.Player
	playersMu sync.RWMutex

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, cache audiocache.Store, fetchFn fetch.Func, tl timeline.Store) (*Server, error) {
	catalog, err := domain.LoadCatalog(cfg.Paths.Debates)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:   cfg,
		catalog:  catalog,
		cache:    cache,
		fetchFn:  fetchFn,
		timeline: tl,
		preload:  preload.New(cache, fetchFn, cfg.Preload.Concurrency, nil),
		players:  make(map[string]*player.Player),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 开发期允许本地跨域，生产环境应改为白名单
				origin := r.Header.Get("Origin")
				return origin == "" || origin == "http://localhost:5173" || origin == "http://127.0.0.1:5173"
			},
		},
	}, nil
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	r.GET("/healthz", s.handleHealthz)
	r.GET("/api/debates", s.handleDebates)
	r.GET("/api/debates/:id", s.handleDebate)
	r.POST("/api/players", s.handleCreatePlayer)
	r.GET("/api/players/:id", s.handlePlayerSnapshot)
	r.POST("/api/players/:id/actions", s.handlePlayerAction)
	r.GET("/api/players/:id/events", s.handlePlayerEvents)
	r.GET("/api/players/:id/stream", s.handlePlayerStream)
	r.DELETE("/api/players/:id", s.handleDeletePlayer)
	return r
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleDebates 返回辩论目录摘要。
func (s *Server) handleDebates(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog.Summaries())
}

// handleDebate 返回一场辩论的完整剧本（含台词与回合顺序）。
func (s *Server) handleDebate(c *gin.Context) {
	d, ok := s.catalog.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "debate not found"})
		return
	}
	c.JSON(http.StatusOK, d)
}

type createPlayerRequest struct {
	DebateID string `json:"debate_id"`
}

// handleCreatePlayer 创建一个播放器：专属引擎 + 编排器，装入指定辩论的回合。
func (s *Server) handleCreatePlayer(c *gin.Context) {
	var req createPlayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.DebateID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "debate_id required"})
		return
	}

	debate, ok := s.catalog.Get(req.DebateID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "debate_id not found"})
		return
	}

	playerID := uuid.NewString()
	eng := engine.New(s.cache, s.fetchFn, engine.Options{
		TickInterval: s.config.Player.TickInterval,
		Unlocked:     s.config.Player.StartUnlocked,
	})
	pl := player.New(playerID, eng, s.preload, s.timeline, nil)
	// 引擎回调直接驱动编排器：进度 tick 与自动推进都走这条线。
	eng.OnProgress(pl.HandleProgress)
	eng.OnEnd(pl.HandleEnd)

	pl.SetRounds(debate.DebateID, debate.Rounds)

	s.playersMu.Lock()
	s.players[playerID] = pl
	total := len(s.players)
	s.playersMu.Unlock()
	log.Printf("[API] ✅ player created: id=%s debate=%s (total active: %d)", playerID, debate.DebateID, total)

	c.JSON(http.StatusOK, model.CreatePlayerResponse{
		PlayerID: playerID,
		Snapshot: pl.Snapshot(),
	})
}

func (s *Server) getPlayer(id string) (*player.Player, bool) {
	s.playersMu.RLock()
	defer s.playersMu.RUnlock()
	p, ok := s.players[id]
	return p, ok
}

// handlePlayerSnapshot 返回播放器的只读快照（轮询兜底，推荐用 stream）。
func (s *Server) handlePlayerSnapshot(c *gin.Context) {
	pl, ok := s.getPlayer(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not found"})
		return
	}
	c.JSON(http.StatusOK, pl.Snapshot())
}

// handlePlayerAction 接收一条控制动作并返回动作后的快照。
func (s *Server) handlePlayerAction(c *gin.Context) {
	pl, ok := s.getPlayer(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not found"})
		return
	}

	var a model.Action
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if a.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type required"})
		return
	}

	pl.Apply(a)
	c.JSON(http.StatusOK, pl.Snapshot())
}

// handlePlayerEvents 返回播放时间线（排障/回放用）。
func (s *Server) handlePlayerEvents(c *gin.Context) {
	if _, ok := s.getPlayer(c.Param("id")); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not found"})
		return
	}

	events, err := s.timeline.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list events failed"})
		return
	}
	c.JSON(http.StatusOK, events)
}

// handlePlayerStream 升级到 WebSocket，交给网关做快照推送与动作接收。
func (s *Server) handlePlayerStream(c *gin.Context) {
	playerID := c.Param("id")
	pl, ok := s.getPlayer(playerID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not found"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[API] ❌ websocket upgrade failed: %v", err)
		return
	}

	gw := gateway.New(playerID, conn, pl, gateway.Config{
		PingInterval: s.config.Gateway.PingInterval,
		PushInterval: s.config.Gateway.PushInterval,
	}, nil)
	gw.Start()

	// 阻塞直到连接关闭；播放器留着，允许重连。
	<-gw.Done()
	log.Printf("[API] 🔌 stream closed for player %s", playerID)
}

// handleDeletePlayer 销毁播放器并释放它的音频会话。
func (s *Server) handleDeletePlayer(c *gin.Context) {
	playerID := c.Param("id")

	s.playersMu.Lock()
	pl, ok := s.players[playerID]
	if ok {
		delete(s.players, playerID)
	}
	remaining := len(s.players)
	s.playersMu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not found"})
		return
	}

	pl.Close()
	log.Printf("[API] player destroyed: id=%s (remaining: %d)", playerID, remaining)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		// 开发期：允许本地 Vite；线上应改为白名单或同源。
		if origin == "http://localhost:5173" || origin == "http://127.0.0.1:5173" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Shutdown 关闭所有播放器，等预加载器把在途工作收完。
func (s *Server) Shutdown(timeout time.Duration) {
	s.playersMu.Lock()
	active := make([]*player.Player, 0, len(s.players))
	for id, pl := range s.players {
		active = append(active, pl)
		delete(s.players, id)
	}
	s.playersMu.Unlock()

	for _, pl := range active {
		pl.Close()
	}

	done := make(chan struct{})
	go func() {
		s.preload.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("[API] ⚠️ preload drain timed out after %s", timeout)
	}
}
