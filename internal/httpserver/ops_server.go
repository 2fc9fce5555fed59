// Package httpserver 运维HTTP服务：暴露分片会话的健康状态、
// 统计信息和恢复状态管理接口。
package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"GoGatewaySession/internal/gateway"
	"GoGatewaySession/internal/protocol"
	"GoGatewaySession/internal/shard"
	"GoGatewaySession/internal/store"
)

// OpsServer 运维HTTP服务器
type OpsServer struct {
	router      *mux.Router
	server      *http.Server
	coordinator *shard.Coordinator
	resumeStore store.Store

	// 统计信息
	requestCount int64
	responseTime []time.Duration
	startTime    time.Time
	mu           sync.RWMutex
}

// APIResponse API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewOpsServer 创建运维服务器
func NewOpsServer(addr string, coordinator *shard.Coordinator, resumeStore store.Store) *OpsServer {
	server := &OpsServer{
		router:      mux.NewRouter(),
		coordinator: coordinator,
		resumeStore: resumeStore,
		startTime:   time.Now(),
	}

	server.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server.server = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(server.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server
}

// setupRoutes 设置路由
func (s *OpsServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 健康检查和监控
	api.HandleFunc("/health", s.healthHandler).Methods("GET")
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")

	// 分片管理
	api.HandleFunc("/shards", s.listShardsHandler).Methods("GET")
	api.HandleFunc("/shards/{id}", s.getShardHandler).Methods("GET")
	api.HandleFunc("/shards/{id}/resume", s.getResumeStateHandler).Methods("GET")
	api.HandleFunc("/shards/{id}/resume", s.clearResumeStateHandler).Methods("DELETE")

	// 指令下发
	api.HandleFunc("/shards/{id}/presence", s.updatePresenceHandler).Methods("POST")

	// 公会路由查询
	api.HandleFunc("/routing/{guild_id}", s.routingHandler).Methods("GET")
}

// Handler 暴露HTTP处理器（测试用）
func (s *OpsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动服务器
func (s *OpsServer) Start() error {
	log.Printf("Starting ops server on %s", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Ops server error: %v", err)
		}
	}()
	return nil
}

// Shutdown 关闭服务器
func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// 中间件
func (s *OpsServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, time.Since(start))
	})
}

func (s *OpsServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.mu.Lock()
		s.requestCount++
		s.responseTime = append(s.responseTime, duration)
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

// healthHandler 健康检查：所有分片Ready才算healthy
func (s *OpsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.coordinator.GetStats()
	ready := stats["ready_shards"].(int)
	total := stats["shard_count"].(int)

	status := "healthy"
	httpStatus := http.StatusOK
	if ready == 0 {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if ready < total {
		status = "degraded"
	}

	s.writeResponse(w, httpStatus, APIResponse{
		Success: httpStatus == http.StatusOK,
		Data: map[string]interface{}{
			"status":       status,
			"ready_shards": ready,
			"shard_count":  total,
			"uptime":       time.Since(s.startTime).String(),
		},
		Timestamp: time.Now().Unix(),
	})
}

// statsHandler 聚合统计
func (s *OpsServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	data := s.coordinator.GetStats()

	s.mu.RLock()
	data["http_requests"] = s.requestCount
	s.mu.RUnlock()

	s.writeResponse(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// listShardsHandler 分片摘要列表
func (s *OpsServer) listShardsHandler(w http.ResponseWriter, r *http.Request) {
	summaries := make([]map[string]interface{}, 0, s.coordinator.ShardCount())
	for shardID := 0; shardID < s.coordinator.ShardCount(); shardID++ {
		summary := map[string]interface{}{"shard_id": shardID}
		if sess, ok := s.coordinator.Session(shardID); ok {
			summary["state"] = sess.State().String()
			summary["session_id"] = sess.SessionID()
		} else {
			summary["state"] = "NOT_STARTED"
		}
		if err, down := s.coordinator.ShardError(shardID); down && err != nil {
			summary["terminal_error"] = err.Error()
		}
		summaries = append(summaries, summary)
	}

	s.writeResponse(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      summaries,
		Timestamp: time.Now().Unix(),
	})
}

// getShardHandler 单分片详情
func (s *OpsServer) getShardHandler(w http.ResponseWriter, r *http.Request) {
	shardID, ok := s.shardID(w, r)
	if !ok {
		return
	}

	sess, found := s.coordinator.Session(shardID)
	if !found {
		s.writeError(w, http.StatusNotFound, "shard_not_found", "分片未启动")
		return
	}

	s.writeResponse(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      sess.GetStats(),
		Timestamp: time.Now().Unix(),
	})
}

// getResumeStateHandler 查询持久化的恢复状态
func (s *OpsServer) getResumeStateHandler(w http.ResponseWriter, r *http.Request) {
	if s.resumeStore == nil {
		s.writeError(w, http.StatusNotFound, "store_disabled", "未配置恢复状态存储")
		return
	}

	shardID, ok := s.shardID(w, r)
	if !ok {
		return
	}

	state, err := s.resumeStore.Load(r.Context(), shardID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if state == nil {
		s.writeError(w, http.StatusNotFound, "no_resume_state", "该分片没有恢复状态")
		return
	}

	s.writeResponse(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      state,
		Timestamp: time.Now().Unix(),
	})
}

// clearResumeStateHandler 删除持久化的恢复状态
func (s *OpsServer) clearResumeStateHandler(w http.ResponseWriter, r *http.Request) {
	if s.resumeStore == nil {
		s.writeError(w, http.StatusNotFound, "store_disabled", "未配置恢复状态存储")
		return
	}

	shardID, ok := s.shardID(w, r)
	if !ok {
		return
	}

	if err := s.resumeStore.Clear(r.Context(), shardID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	s.writeResponse(w, http.StatusOK, APIResponse{
		Success:   true,
		Message:   "恢复状态已清除",
		Timestamp: time.Now().Unix(),
	})
}

// updatePresenceHandler 向指定分片下发状态更新指令
func (s *OpsServer) updatePresenceHandler(w http.ResponseWriter, r *http.Request) {
	shardID, ok := s.shardID(w, r)
	if !ok {
		return
	}

	sess, found := s.coordinator.Session(shardID)
	if !found {
		s.writeError(w, http.StatusNotFound, "shard_not_found", "分片未启动")
		return
	}

	var payload protocol.UpdatePresencePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "请求体解析失败")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := sess.UpdatePresence(ctx, payload); err != nil {
		if err == gateway.ErrNotReady {
			s.writeError(w, http.StatusConflict, "not_ready", "分片当前不在Ready状态")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "send_failed", err.Error())
		return
	}

	s.writeResponse(w, http.StatusOK, APIResponse{
		Success:   true,
		Message:   "指令已发送",
		Timestamp: time.Now().Unix(),
	})
}

// routingHandler 查询公会归属的分片
func (s *OpsServer) routingHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	guildID, err := strconv.ParseInt(vars["guild_id"], 10, 64)
	if err != nil || guildID < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_guild_id", "公会ID必须是非负整数")
		return
	}

	shardID := s.coordinator.ShardForGuild(guildID)
	data := map[string]interface{}{
		"guild_id": guildID,
		"shard_id": shardID,
	}
	if sess, ok := s.coordinator.Session(shardID); ok {
		data["state"] = sess.State().String()
	}

	s.writeResponse(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// shardID 解析路径中的分片序号
func (s *OpsServer) shardID(w http.ResponseWriter, r *http.Request) (int, bool) {
	vars := mux.Vars(r)
	shardID, err := strconv.Atoi(vars["id"])
	if err != nil || shardID < 0 || shardID >= s.coordinator.ShardCount() {
		s.writeError(w, http.StatusBadRequest, "invalid_shard_id", "分片序号无效")
		return 0, false
	}
	return shardID, true
}

func (s *OpsServer) writeResponse(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (s *OpsServer) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeResponse(w, status, APIResponse{
		Success:   false,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
}
