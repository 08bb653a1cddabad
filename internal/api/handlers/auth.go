package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/teslagrant/internal/api/tesla"
	"github.com/langchou/teslagrant/internal/csrf"
	"github.com/langchou/teslagrant/internal/models"
	"github.com/langchou/teslagrant/internal/recaptcha"
)

// Login 登录后选择车辆和访问窗口
// 接受上游刷新令牌，或邮箱加密码；成功后渲染车辆选择页，
// 刷新令牌连同签名的交接令牌一起藏在表单里带到 /authorize
func (h *Handler) Login(c *gin.Context) {
	ctx := c.Request.Context()

	token := filterInput(c.PostForm("token"))
	email := c.PostForm("email")
	password := c.PostForm("password")

	client := h.status.NewClient(nil)
	switch {
	case token != "":
		client.SetToken(&tesla.Token{RefreshToken: token})
	case email != "" && password != "":
		client.SetCredentials(email, password)
	default:
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	errorMsg := ""
	if h.cfg.RecaptchaSiteKey != "" {
		response := c.PostForm(recaptcha.ResponseParam)
		if response == "" {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		ok, err := recaptcha.Verify(ctx, response, h.cfg.RecaptchaSiteSecret)
		if err != nil {
			h.logger.Error("reCAPTCHA verification error", zap.Error(err))
		}
		if ok {
			h.logger.Info("reCAPTCHA success")
		} else {
			h.logger.Warn("reCAPTCHA failure")
			errorMsg = "reCAPTCHA failure"
		}
	}

	var vehicles []*tesla.Vehicle
	refreshToken := ""
	handoff := ""
	if errorMsg == "" {
		var err error
		vehicles, err = client.ListVehicles(ctx)
		switch {
		case errors.Is(err, tesla.ErrAuthentication):
			errorMsg = "Authentication failure"
		case err != nil:
			h.logger.Error("Failed to list vehicles", zap.Error(err))
			errorMsg = "Vehicle list unavailable"
		default:
			refreshToken = client.Token().RefreshToken
			handoff, err = csrf.Make(refreshToken, h.cfg.SecretKey)
			if err != nil {
				h.logger.Error("Failed to make handoff token", zap.Error(err))
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
		}
	}

	c.HTML(http.StatusOK, "login.html", gin.H{
		"title":               h.cfg.Title,
		"vehicles":            vehicles,
		"token":               refreshToken,
		"csrf":                handoff,
		"max_access_duration": h.cfg.MaxAccessDuration,
		"error_msg":           errorMsg,
	})
}

// Authorize 核验交接令牌和访问窗口，落库并展示分享链接
func (h *Handler) Authorize(c *gin.Context) {
	ctx := c.Request.Context()

	token := filterInput(c.PostForm("token"))
	if !csrf.Check(token, h.cfg.SecretKey, c.PostForm("csrf"), h.cfg.CSRFTimeout) {
		h.logger.Warn("CSRF check failed")
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	vehicleID := c.PostForm("vehicle")
	beginsAt, okBegins := formInt(c, "begins_at")
	expiresAt, okExpires := formInt(c, "expires_at")
	maxDuration := h.cfg.MaxAccessDuration

	valid := okBegins && okExpires &&
		isNumeric(vehicleID) &&
		beginsAt >= 0 && beginsAt <= maxDuration-1 &&
		expiresAt >= 1 && expiresAt <= maxDuration &&
		beginsAt < expiresAt
	if !valid {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	// 核验令牌和车辆 ID 都有效后才落库
	client := h.status.NewClient(&tesla.Token{RefreshToken: token})
	if _, err := client.GetVehicle(ctx, vehicleID); err != nil {
		if errors.Is(err, tesla.ErrAuthentication) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		h.logger.Error("Failed to validate vehicle", zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	grantID := uuid.NewString()
	now := time.Now().Unix()
	grant := &models.Grant{
		ID:        grantID,
		Token:     *client.Token(),
		VehicleID: vehicleID,
		BeginsAt:  now + int64(beginsAt)*3600,
		ExpiresAt: now + int64(expiresAt)*3600,
	}

	if err := h.store.Add(ctx, grantID, grant); err != nil {
		h.logger.Error("Failed to add grant", zap.String("grant_id", grantID), zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	h.logger.Info("Grant authorized",
		zap.String("grant_id", grantID),
		zap.String("vehicle_id", vehicleID),
		zap.Int64("begins_at", grant.BeginsAt),
		zap.Int64("expires_at", grant.ExpiresAt))

	c.HTML(http.StatusOK, "authorize.html", gin.H{
		"title":    h.cfg.Title,
		"grant_id": grantID,
	})
}
