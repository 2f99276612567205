package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mofa-org/mofa-fm-sub000/conference"
	"github.com/mofa-org/mofa-fm-sub000/config"
	"github.com/mofa-org/mofa-fm-sub000/internal/metrics"
	"github.com/mofa-org/mofa-fm-sub000/internal/server"
	"github.com/mofa-org/mofa-fm-sub000/llm"
	"github.com/mofa-org/mofa-fm-sub000/llm/moonshot"
	"github.com/mofa-org/mofa-fm-sub000/speech"
	"github.com/mofa-org/mofa-fm-sub000/speech/minimax"
	"github.com/mofa-org/mofa-fm-sub000/store"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 MoFA FM 的主服务器，管理会话生命周期与 HTTP 接口。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 指标
	registry       *prometheus.Registry
	sessionMetrics *metrics.Collector
	httpMetrics    *metrics.HTTPCollector

	// 存储
	archive   *store.Archive
	publisher *store.Publisher

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	mu        sync.Mutex
	sessions  map[string]*liveSession
	startedAt time.Time
	wg        sync.WaitGroup
}

// liveSession 一个运行中的会话。
type liveSession struct {
	id     string
	sup    *conference.Supervisor
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*liveSession),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	s.startedAt = time.Now()

	// 1. 初始化指标收集器
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector())
	s.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.sessionMetrics = metrics.New(s.registry)
	s.httpMetrics = metrics.NewHTTP(s.registry)

	// 2. 初始化存储
	if err := s.initStores(); err != nil {
		return fmt.Errorf("failed to init stores: %w", err)
	}

	// 3. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 4. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("dialogue_sink_enabled", s.publisher != nil),
	)

	return nil
}

// initStores 初始化会话归档与对话条目外发
func (s *Server) initStores() error {
	archive, err := store.NewArchive(store.ArchiveConfig{
		Path:            s.cfg.Database.Path,
		MaxOpenConns:    s.cfg.Database.MaxOpenConns,
		ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	s.archive = archive

	if s.cfg.Redis.Enabled {
		publisher, err := store.NewPublisher(store.PublisherConfig{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			StreamPrefix: s.cfg.Redis.StreamPrefix,
			StreamMaxLen: s.cfg.Redis.StreamMaxLen,
		}, s.logger)
		if err != nil {
			// 外发不可用时降级运行，归档仍然生效
			s.logger.Warn("Redis not available, dialogue publishing disabled", zap.Error(err))
		} else {
			s.publisher = publisher
		}
	}
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册会话 API 路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// 健康检查与版本端点
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)

	// 会话 API
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /api/v1/sessions/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /api/v1/sessions/{id}/dialogue", s.handleDialogue)
	mux.HandleFunc("GET /api/v1/sessions/{id}/audio", s.handleAudio)
	mux.HandleFunc("GET /api/v1/sessions/{id}/buffer", s.handleBuffer)

	return mux
}

// startHTTPServer 启动会话 API 服务器
func (s *Server) startHTTPServer() error {
	mux := s.routes()

	// 构建中间件链
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.httpMetrics),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🎤 会话管理
// =============================================================================

// createSessionRequest 创建会话的请求体。未填字段取配置默认值。
type createSessionRequest struct {
	Topic        string                         `json:"topic"`
	Mode         string                         `json:"mode,omitempty"`
	Policy       string                         `json:"policy,omitempty"`
	Rounds       *int                           `json:"rounds,omitempty"`
	PriorityID   string                         `json:"priority_id,omitempty"`
	SampleRate   int                            `json:"sample_rate,omitempty"`
	Participants []conference.ParticipantConfig `json:"participants"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sc := s.sessionConfigFromRequest(&req)
	sup, err := conference.NewSupervisor(conference.SupervisorConfig{
		Session:          sc,
		BufferCapacity:   s.cfg.Session.BufferCapacity,
		Delimiters:       s.cfg.Session.Delimiters,
		PromptBudget:     s.cfg.Session.PromptBudget,
		HighWaterPct:     s.cfg.Session.HighWaterPct,
		LowWaterPct:      s.cfg.Session.LowWaterPct,
		HeartbeatTimeout: s.cfg.Session.HeartbeatTimeout,
	}, s.sessionDeps())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := sup.Start(ctx); err != nil {
		cancel()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ls := &liveSession{id: sc.SessionID, sup: sup, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.sessions[sc.SessionID] = ls
	s.mu.Unlock()

	// 会话结束后归档并从活跃表摘除
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := sup.Wait(context.Background()); err != nil {
			s.logger.Error("session ended with error",
				zap.String("session_id", ls.id), zap.Error(err))
		}
		close(ls.done)
		s.mu.Lock()
		delete(s.sessions, ls.id)
		s.mu.Unlock()
	}()

	s.logger.Info("session created",
		zap.String("session_id", sc.SessionID),
		zap.String("mode", string(sc.Mode)),
		zap.Int("participants", len(sc.Participants)))
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sc.SessionID,
		"state":      conference.StateRunning,
	})
}

// sessionConfigFromRequest 合并请求与配置默认值
func (s *Server) sessionConfigFromRequest(req *createSessionRequest) conference.SessionConfig {
	def := s.cfg.Session
	sc := conference.SessionConfig{
		SessionID:     uuid.NewString(),
		Topic:         req.Topic,
		Participants:  req.Participants,
		Mode:          conference.Mode(req.Mode),
		Policy:        conference.PolicyName(req.Policy),
		RoundsPlanned: def.Rounds,
		PriorityID:    req.PriorityID,
		SampleRate:    req.SampleRate,
		TurnTimeout:   def.TurnTimeout,
	}
	if sc.Mode == "" {
		sc.Mode = conference.Mode(def.Mode)
	}
	if sc.Policy == "" {
		sc.Policy = conference.PolicyName(def.Policy)
	}
	if req.Rounds != nil {
		sc.RoundsPlanned = *req.Rounds
	}
	if sc.SampleRate == 0 {
		sc.SampleRate = def.SampleRate
	}
	return sc
}

// sessionDeps 按配置组装会话外部依赖
func (s *Server) sessionDeps() conference.Deps {
	deps := conference.Deps{
		LM: func(p conference.ParticipantConfig) llm.Provider {
			return moonshot.New(moonshot.Config{
				APIKey:  s.cfg.Moonshot.APIKey,
				BaseURL: s.cfg.Moonshot.BaseURL,
				Model:   s.cfg.Moonshot.Model,
				Timeout: s.cfg.Moonshot.Timeout,
			}, s.logger)
		},
		TTS: func(p conference.ParticipantConfig) speech.Provider {
			return minimax.New(minimax.Config{
				APIKey:               s.cfg.MiniMax.APIKey,
				URL:                  s.cfg.MiniMax.URL,
				BatchDuration:        s.cfg.MiniMax.BatchDuration,
				EnglishNormalization: s.cfg.MiniMax.EnglishNormalization,
			}, s.logger)
		},
		Recorder: s.archive,
		Metrics:  s.sessionMetrics,
		Logger:   s.logger,
	}
	if s.publisher != nil {
		deps.Sink = s.publisher
	}
	return deps
}

// lookup 返回活跃会话，不存在时返回 nil
func (s *Server) lookup(id string) *liveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// =============================================================================
// 🎯 会话端点
// =============================================================================

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	s.mu.Lock()
	active := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		active = append(active, id)
	}
	s.mu.Unlock()

	records, err := s.archive.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   active,
		"archived": records,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if ls := s.lookup(id); ls != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": id,
			"state":      conference.StateRunning,
			"buffer":     ls.sup.BufferStats(),
		})
		return
	}
	rec, err := s.archive.LoadSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	ls := s.lookup(r.PathValue("id"))
	if ls == nil {
		writeError(w, http.StatusNotFound, "session not running")
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text must not be blank")
		return
	}
	if err := ls.sup.Human(r.Context(), req.Text); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ls := s.lookup(r.PathValue("id"))
	if ls == nil {
		writeError(w, http.StatusNotFound, "session not running")
		return
	}
	if err := ls.sup.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "stopping"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ls := s.lookup(r.PathValue("id"))
	if ls == nil {
		writeError(w, http.StatusNotFound, "session not running")
		return
	}
	if err := ls.sup.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "reset"})
}

// handleDialogue 从 Redis Stream 读取对话条目，支持游标续读
func (s *Server) handleDialogue(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "dialogue publishing disabled")
		return
	}
	id := r.PathValue("id")
	lastID := r.URL.Query().Get("last_id")
	count := int64(100)
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			count = n
		}
	}
	entries, nextID, err := s.publisher.ReadEntries(r.Context(), id, lastID, count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"last_id": nextID,
	})
}

// handleAudio 读取混音后的 PCM 播放样本，小端 float32 裸流
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	ls := s.lookup(r.PathValue("id"))
	if ls == nil {
		writeError(w, http.StatusNotFound, "session not running")
		return
	}
	samples := 3200
	if v := r.URL.Query().Get("samples"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 320000 {
			samples = n
		}
	}
	buf := make([]float32, samples)
	ls.sup.ReadAudio(buf)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Sample-Count", strconv.Itoa(samples))
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		s.logger.Warn("audio write failed", zap.Error(err))
	}
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	ls := s.lookup(r.PathValue("id"))
	if ls == nil {
		writeError(w, http.StatusNotFound, "session not running")
		return
	}
	writeJSON(w, http.StatusOK, ls.sup.BufferStats())
}

// =============================================================================
// 🏥 健康与版本端点
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime":          time.Since(s.startedAt).String(),
		"active_sessions": active,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		if err := s.httpManager.Wait(); err != nil {
			s.logger.Error("session server exited", zap.Error(err))
		}
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 请求所有活跃会话停止
	s.mu.Lock()
	live := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		live = append(live, ls)
	}
	s.mu.Unlock()
	for _, ls := range live {
		if err := ls.sup.Stop(ctx); err != nil {
			s.logger.Warn("session stop failed", zap.String("session_id", ls.id), zap.Error(err))
		}
	}
	// 等待会话归档，超时强制取消
	deadline := time.After(s.cfg.Server.ShutdownTimeout)
	for _, ls := range live {
		select {
		case <-ls.done:
		case <-deadline:
			ls.cancel()
			<-ls.done
		}
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 等待所有 goroutine 完成后关闭存储
	s.wg.Wait()
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("publisher close error", zap.Error(err))
		}
	}
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			s.logger.Error("archive close error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

// =============================================================================
// 🔧 响应辅助
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
