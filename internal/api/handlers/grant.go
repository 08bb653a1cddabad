package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/teslagrant/internal/api/tesla"
	"github.com/langchou/teslagrant/internal/models"
	"github.com/langchou/teslagrant/internal/store"
	"github.com/langchou/teslagrant/pkg/ws"
)

// 受控指令白名单
var commands = map[string]bool{
	"start_climate": true,
	"stop_climate":  true,
}

// loadGrant 按 ID 加载授权记录并做访问窗口检查
// 过期的记录顺手删除；返回 nil 表示已经写好了响应
func (h *Handler) loadGrant(c *gin.Context, grantID string, notFoundStatus int) *models.Grant {
	ctx := c.Request.Context()

	if _, err := uuid.Parse(grantID); err != nil {
		c.AbortWithStatus(notFoundStatus)
		return nil
	}

	grant, err := h.store.Get(ctx, grantID)
	if errors.Is(err, store.ErrNotFound) {
		c.AbortWithStatus(notFoundStatus)
		return nil
	}
	if err != nil {
		h.logger.Error("Failed to get grant", zap.String("grant_id", grantID), zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return nil
	}

	if grant.Expired(time.Now().Unix()) {
		if _, err := h.store.Delete(ctx, grantID); err != nil {
			h.logger.Error("Failed to delete expired grant", zap.String("grant_id", grantID), zap.Error(err))
		}
		c.AbortWithStatus(notFoundStatus)
		return nil
	}

	return grant
}

// GrantPage 展示授权对应的车辆页面
// 无 json 参数时渲染页面骨架，页面再用 JSON 请求补全数据
func (h *Handler) GrantPage(c *gin.Context) {
	ctx := c.Request.Context()
	grantID := c.Param("id")

	grant := h.loadGrant(c, grantID, http.StatusNotFound)
	if grant == nil {
		return
	}

	if time.Now().Unix() < grant.BeginsAt {
		c.HTML(http.StatusOK, "grant_wait.html", gin.H{
			"title":     h.cfg.Title,
			"begins_at": grant.BeginsAt,
		})
		return
	}

	if c.Query("json") == "" {
		client := h.status.NewClient(&grant.Token)
		vehicle, err := client.GetVehicle(ctx, grant.VehicleID)
		if err != nil {
			if errors.Is(err, tesla.ErrAuthentication) {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			h.logger.Error("Failed to get vehicle", zap.String("grant_id", grantID), zap.Error(err))
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		c.HTML(http.StatusOK, "grant_page.html", gin.H{
			"title":        h.cfg.Title,
			"grant_id":     grantID,
			"vehicle_name": vehicle.DisplayName,
		})
		return
	}

	// JSON 分支：唤醒车辆并返回状态快照；非认证类上游故障降级为 api_error
	status, err := h.status.FetchStatus(ctx, grant)
	if errors.Is(err, tesla.ErrAuthentication) {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	apiError := false
	if err != nil {
		apiError = true
		h.logger.Info("Remote API error", zap.String("grant_id", grantID), zap.Error(err))
	}

	response := gin.H{}
	if status != nil {
		response = gin.H{
			"battery_level":         status.BatteryLevel,
			"charging_state":        status.ChargingState,
			"is_climate_on":         status.IsClimateOn,
			"temp_setting":          status.TempSetting,
			"inside_temp":           status.InsideTemp,
			"outside_temp":          status.OutsideTemp,
			"gui_temperature_units": status.TemperatureUnits,
			"locked":                status.Locked,
			"vehicle_name":          status.VehicleName,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"response":  response,
		"api_error": apiError,
	})
}

// Command 执行受控的车辆指令
func (h *Handler) Command(c *gin.Context) {
	ctx := c.Request.Context()

	grantID := c.PostForm("grant_id")
	command := c.PostForm("command")
	if grantID == "" || !commands[command] {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	// 无效 ID 和过期授权一律 403，不泄露记录是否存在过
	grant := h.loadGrant(c, grantID, http.StatusForbidden)
	if grant == nil {
		return
	}
	if time.Now().Unix() < grant.BeginsAt {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	client := h.status.NewClient(&grant.Token)
	if _, err := client.GetVehicle(ctx, grant.VehicleID); err != nil {
		if errors.Is(err, tesla.ErrAuthentication) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		h.logger.Info("Remote API error", zap.String("grant_id", grantID), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"result": false})
		return
	}

	var result *tesla.CommandResponse
	var err error
	switch command {
	case "start_climate":
		result, err = client.StartClimate(ctx, grant.VehicleID)
	case "stop_climate":
		result, err = client.StopClimate(ctx, grant.VehicleID)
	}
	if err != nil {
		h.logger.Info("Remote API error", zap.String("grant_id", grantID), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"result": false})
		return
	}

	c.JSON(http.StatusOK, result)
}

// HandleWebSocket 订阅授权的实时状态推送
func (h *Handler) HandleWebSocket(c *gin.Context) {
	grantID := c.Query("grant_id")

	grant := h.loadGrant(c, grantID, http.StatusNotFound)
	if grant == nil {
		return
	}
	if !grant.Active(time.Now().Unix()) {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn, grantID)
	client.Register()

	go client.ReadPump()
	go client.WritePump()
}

// Cron 定时清理入口，仅接受带调度器标头的请求
func (h *Handler) Cron(c *gin.Context) {
	if c.GetHeader("X-Appengine-Cron") == "" {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	count, err := h.store.Cleanup(c.Request.Context())
	if err != nil {
		h.logger.Error("Cleanup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Cleanup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"removed": count,
	})
}
