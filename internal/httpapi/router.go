package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// BrokerStatus 连接状态
type BrokerStatus interface {
	IsConnected() bool
}

// SyncStatus 配置同步状态
type SyncStatus interface {
	Topics() []string
	LastRefresh() time.Time
}

// ReloadRequester 请求重新加载配置
type ReloadRequester interface {
	Request(ctx context.Context) error
}

// HealthResponse /healthz 响应
type HealthResponse struct {
	Status           string `json:"status"`
	BrokerConnected  bool   `json:"broker_connected"`
	SubscribedTopics int    `json:"subscribed_topics"`
	LastRefresh      string `json:"last_refresh,omitempty"`
}

// Handler 运维 HTTP 接口
type Handler struct {
	broker BrokerStatus
	sync   SyncStatus
	reload ReloadRequester
	logger *zap.Logger
}

// NewHandler 创建运维接口，reload 为 nil 时 POST /reload 返回 503
func NewHandler(broker BrokerStatus, sync SyncStatus, reload ReloadRequester, logger *zap.Logger) *Handler {
	return &Handler{
		broker: broker,
		sync:   sync,
		reload: reload,
		logger: logger,
	}
}

// NewRouter 注册路由
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/reload", h.requestReload).Methods(http.MethodPost)

	return r
}

// NewServer 创建 HTTP 服务
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// health 未连接 broker 或尚未成功加载配置时为 degraded
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:           "ok",
		BrokerConnected:  h.broker.IsConnected(),
		SubscribedTopics: len(h.sync.Topics()),
	}
	last := h.sync.LastRefresh()
	if !last.IsZero() {
		resp.LastRefresh = last.UTC().Format(time.RFC3339)
	}

	code := http.StatusOK
	if !resp.BrokerConnected || last.IsZero() {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, resp)
}

func (h *Handler) requestReload(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reload flag not configured"})
		return
	}
	if err := h.reload.Request(r.Context()); err != nil {
		h.logger.Error("Failed to request reload", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to request reload"})
		return
	}

	h.logger.Info("Reload requested via HTTP")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reload requested"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
