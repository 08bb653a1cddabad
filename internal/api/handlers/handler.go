package handlers

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/teslagrant/internal/config"
	"github.com/langchou/teslagrant/internal/service"
	"github.com/langchou/teslagrant/internal/store"
	"github.com/langchou/teslagrant/pkg/ws"
)

// filterPattern 过滤用户提交的令牌输入
// 刷新令牌是 base64url 字符集，保留 - _ . = 以免改写合法令牌
var filterPattern = regexp.MustCompile(`[^A-Za-z0-9_.=-]`)

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	cfg      *config.Config
	store    *store.Store
	status   *service.StatusService
	wsHub    *ws.Hub
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	cfg *config.Config,
	st *store.Store,
	status *service.StatusService,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger: logger,
		cfg:    cfg,
		store:  st,
		status: status,
		wsHub:  wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// 页面
	r.GET("/", h.Index)
	r.POST("/login", h.Login)
	r.POST("/authorize", h.Authorize)
	r.GET("/g/:id", h.GrantPage)

	// 受控指令 API
	r.POST("/api", h.Command)

	// 实时状态推送
	r.GET("/ws", h.HandleWebSocket)

	// 定时清理（调度器触发）
	r.GET("/cron", h.Cron)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// Index 首页
func (h *Handler) Index(c *gin.Context) {
	c.Header("Cache-Control", h.cfg.IndexCacheControl)
	c.HTML(http.StatusOK, "index.html", gin.H{
		"title":              h.cfg.Title,
		"home_url":           h.cfg.HomeURL,
		"recaptcha_site_key": h.cfg.RecaptchaSiteKey,
	})
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}

// filterInput 清洗用户提交的凭据输入
func filterInput(s string) string {
	return filterPattern.ReplaceAllString(s, "")
}

// isNumeric 判断字符串是否为纯数字
func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// formInt 解析表单整数字段
func formInt(c *gin.Context, key string) (int, bool) {
	v, err := strconv.Atoi(c.PostForm(key))
	if err != nil {
		return 0, false
	}
	return v, true
}
