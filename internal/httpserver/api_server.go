package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"GoInterviewAnalyzer/internal/audit"
	"GoInterviewAnalyzer/internal/logger"
	"GoInterviewAnalyzer/internal/pipeline"
)

// Config HTTP 服务配置
type Config struct {
	Addr           string
	AllowedOrigins []string
	MaxUploadBytes int64
}

// APIServer REST + websocket 入口
type APIServer struct {
	config   Config
	router   *mux.Router
	server   *http.Server
	analyzer *pipeline.Analyzer
	ws       http.Handler
	logs     *logger.WebSocketLogger

	// 统计信息
	requestCount int64
	responseTime []time.Duration
	errorCount   int64
	startTime    time.Time
	mu           sync.RWMutex
}

// APIResponse 统一响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewAPIServer 创建服务。ws 挂载到 /ws，logs 为空时不挂载 /ws/logs。
func NewAPIServer(config Config, analyzer *pipeline.Analyzer, ws http.Handler, logs *logger.WebSocketLogger) *APIServer {
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 200 << 20
	}

	server := &APIServer{
		config:    config,
		router:    mux.NewRouter(),
		analyzer:  analyzer,
		ws:        ws,
		logs:      logs,
		startTime: time.Now(),
	}
	server.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	// 长连接自行设置读写截止时间，这里只限制请求头
	server.server = &http.Server{
		Addr:              config.Addr,
		Handler:           c.Handler(server.router),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return server
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	if s.ws != nil {
		s.router.Handle("/ws", s.ws)
	}
	if s.logs != nil {
		s.router.HandleFunc("/ws/logs", s.logs.HandleWebSocket)
	}
	s.router.HandleFunc("/health", s.healthCheckHandler).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", s.getSessionsHandler).Methods("GET")
	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	api.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
	api.HandleFunc("/analyze", s.analyzeHandler).Methods("POST")
	api.HandleFunc("/summaries/{id}", s.getSummaryHandler).Methods("GET")
}

// Handler 路由（含 CORS），测试用
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if logger.Enabled(logger.LevelDebug) {
			log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, time.Since(start))
		}
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.mu.Lock()
		s.requestCount++
		s.responseTime = append(s.responseTime, duration)
		// 保持最近1000个请求的响应时间
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

// getSessionsHandler 按连接列出会话状态
func (s *APIServer) getSessionsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.analyzer.Status())
}

// healthCheckHandler 存活探针
func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.analyzer.Health())
}

func (s *APIServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.GetStats())
}

// analyzeHandler 批处理：multipart 字段 file（MJPEG）、fps、interval（秒）
func (s *APIServer) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_payload", "invalid multipart upload: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_payload", "missing file field")
		return
	}
	defer file.Close()

	req := pipeline.BatchRequest{Stream: file}
	if v := r.FormValue("fps"); v != "" {
		fps, err := strconv.ParseFloat(v, 64)
		if err != nil || fps <= 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_payload", "fps must be a positive number")
			return
		}
		req.FPS = fps
	}
	if v := r.FormValue("interval"); v != "" {
		sec, err := strconv.ParseFloat(v, 64)
		if err != nil || sec <= 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_payload", "interval must be a positive number of seconds")
			return
		}
		req.Interval = time.Duration(sec * float64(time.Second))
	}

	summary, err := s.analyzer.AnalyzeBatch(r.Context(), req)
	switch {
	case errors.Is(err, pipeline.ErrNoFrames):
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, "no_frames", "no JPEG frames found in upload")
	case err != nil:
		s.writeErrorResponse(w, http.StatusInternalServerError, "processing_error", err.Error())
	default:
		s.writeSuccessResponse(w, summary)
	}
}

// getSummaryHandler 读取已持久化的会话总结
func (s *APIServer) getSummaryHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	summary, err := s.analyzer.Summaries().Load(r.Context(), id)
	switch {
	case errors.Is(err, audit.ErrSummaryNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", "summary not found")
	case errors.Is(err, audit.ErrInvalidID):
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_id", err.Error())
	case err != nil:
		s.writeErrorResponse(w, http.StatusInternalServerError, "storage_error", err.Error())
	default:
		s.writeSuccessResponse(w, summary)
	}
}

// 辅助方法
func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 启动服务器，阻塞到关闭
func (s *APIServer) Start() error {
	log.Printf("Starting HTTP server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止服务器
func (s *APIServer) Shutdown(ctx context.Context) error {
	log.Printf("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgResponseTime float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avgResponseTime = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6
	}

	return map[string]interface{}{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount,
		"error_count":          s.errorCount,
		"avg_response_time_ms": avgResponseTime,
	}
}
