package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/teslagrant/internal/api/tesla"
	"github.com/langchou/teslagrant/internal/config"
	"github.com/langchou/teslagrant/internal/csrf"
	"github.com/langchou/teslagrant/internal/models"
	"github.com/langchou/teslagrant/internal/service"
	"github.com/langchou/teslagrant/internal/store"
	"github.com/langchou/teslagrant/pkg/ws"
)

const testSecret = "handler-test-secret"

// 测试模板：把断言需要的字段原样吐出来
var testTemplates = template.Must(template.New("index.html").Parse(`index`))

func init() {
	gin.SetMode(gin.TestMode)

	template.Must(testTemplates.New("login.html").Parse(
		`login csrf={{ .csrf }} token={{ .token }} error={{ .error_msg }}`))
	template.Must(testTemplates.New("authorize.html").Parse(
		`authorized grant_id={{ .grant_id }}`))
	template.Must(testTemplates.New("grant_wait.html").Parse(
		`waiting begins_at={{ .begins_at }}`))
	template.Must(testTemplates.New("grant_page.html").Parse(
		`grant vehicle_name={{ .vehicle_name }}`))
}

// fakeUpstream 模拟上游 API：固定一辆 ID 为 123 的在线车辆
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("refresh_token") == "" && r.Form.Get("password") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(tesla.Token{
			AccessToken:  "upstream-access",
			RefreshToken: "upstream-refresh",
			ExpiresIn:    3600,
		})
	})
	mux.HandleFunc("/api/1/vehicles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":[{"id":123,"vin":"5YJ3E1EA7JF000001","display_name":"Besty","state":"online"}],"count":1}`)
	})
	mux.HandleFunc("/api/1/vehicles/123", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":{"id":123,"display_name":"Besty","state":"online"}}`)
	})
	mux.HandleFunc("/api/1/vehicles/123/vehicle_data", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":{
			"display_name":"Besty",
			"charge_state":{"battery_level":64,"charging_state":"Charging"},
			"climate_state":{"is_climate_on":false,"driver_temp_setting":20.5,"inside_temp":17.5,"outside_temp":9.0},
			"gui_settings":{"gui_temperature_units":"C"},
			"vehicle_state":{"locked":true,"vehicle_name":"Besty"}
		}}`)
	})
	mux.HandleFunc("/api/1/vehicles/123/command/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":{"result":true,"reason":""}}`)
	})
	// 其它车辆 ID：404 让客户端映射为 APIError
	mux.HandleFunc("/api/1/vehicles/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"response":null,"error":"not_found"}`)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

type testEnv struct {
	router *gin.Engine
	store  *store.Store
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	upstream := fakeUpstream(t)

	cfg := &config.Config{
		Title:              "TeslaGrant",
		IndexCacheControl:  "public, max-age=600",
		MaxAccessDuration:  240,
		SecretKey:          testSecret,
		CSRFTimeout:        time.Hour,
		TeslaAuthHost:      upstream.URL,
		TeslaAPIHost:       upstream.URL,
		TeslaClientID:      "ownerapi",
		TeslaClientSecret:  "test",
		StatusPollInterval: time.Second,
		WakeUpTimeout:      time.Second,
	}

	logger := zap.NewNop()
	grantStore := store.New(logger, store.NewMemory(logger), store.DefaultOptions())
	hub := ws.NewHub(logger)
	statusService := service.NewStatusService(cfg, logger, grantStore, hub)
	handler := NewHandler(logger, cfg, grantStore, statusService, hub)

	router := gin.New()
	router.SetHTMLTemplate(testTemplates)
	handler.RegisterRoutes(router)

	return &testEnv{router: router, store: grantStore, cfg: cfg}
}

func (e *testEnv) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// addGrant 绕过授权流程直接写入一条记录
func (e *testEnv) addGrant(t *testing.T, beginsAt, expiresAt int64) string {
	t.Helper()
	id := uuid.NewString()
	grant := &models.Grant{
		ID:        id,
		Token:     tesla.Token{RefreshToken: "granttoken"},
		VehicleID: "123",
		BeginsAt:  beginsAt,
		ExpiresAt: expiresAt,
	}
	require.NoError(t, e.store.Add(context.Background(), id, grant))
	return id
}

func TestIndex(t *testing.T) {
	env := newTestEnv(t)

	w := env.get("/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=600", w.Header().Get("Cache-Control"))
}

func TestLoginRequiresCredentials(t *testing.T) {
	env := newTestEnv(t)

	w := env.postForm("/login", url.Values{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginWithToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.postForm("/login", url.Values{"token": {"refreshtoken123"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "csrf=")
	assert.Contains(t, w.Body.String(), "token=upstream-refresh")
	assert.True(t, strings.HasSuffix(w.Body.String(), "error="), "unexpected error message: %s", w.Body.String())
}

func TestLoginWithPassword(t *testing.T) {
	env := newTestEnv(t)

	w := env.postForm("/login", url.Values{
		"email":    {"owner@example.com"},
		"password": {"hunter2"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "token=upstream-refresh")
}

func TestAuthorizeRejectsBadHandoff(t *testing.T) {
	env := newTestEnv(t)

	w := env.postForm("/authorize", url.Values{
		"token":      {"refreshtoken123"},
		"csrf":       {"1abc2-deadbeef-0000"},
		"vehicle":    {"123"},
		"begins_at":  {"0"},
		"expires_at": {"24"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthorizeValidatesWindow(t *testing.T) {
	env := newTestEnv(t)

	handoff, err := csrf.Make("refreshtoken123", testSecret)
	require.NoError(t, err)

	cases := []struct {
		name    string
		vehicle string
		begins  string
		expires string
	}{
		{"zero duration", "123", "5", "5"},
		{"inverted window", "123", "10", "5"},
		{"negative begins", "123", "-1", "24"},
		{"zero expires", "123", "0", "0"},
		{"expires above max", "123", "0", "241"},
		{"begins at max", "123", "240", "240"},
		{"non-numeric vehicle", "abc", "0", "24"},
		{"missing begins", "123", "", "24"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.postForm("/authorize", url.Values{
				"token":      {"refreshtoken123"},
				"csrf":       {handoff},
				"vehicle":    {tc.vehicle},
				"begins_at":  {tc.begins},
				"expires_at": {tc.expires},
			})
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

// 完整流程：登录、授权、访问、指令
func TestGrantFlow(t *testing.T) {
	env := newTestEnv(t)

	// 登录拿交接令牌
	w := env.postForm("/login", url.Values{"token": {"refreshtoken123"}})
	require.Equal(t, http.StatusOK, w.Code)
	handoff := extractField(t, w.Body.String(), "csrf=")

	// 授权：交接令牌对登录页带回的刷新令牌有效
	w = env.postForm("/authorize", url.Values{
		"token":      {"upstream-refresh"},
		"csrf":       {handoff},
		"vehicle":    {"123"},
		"begins_at":  {"0"},
		"expires_at": {"24"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	grantID := extractField(t, w.Body.String(), "grant_id=")
	require.NotEmpty(t, grantID)

	// 访问页面
	w = env.get("/g/"+grantID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "vehicle_name=Besty")

	// JSON 状态
	w = env.get("/g/"+grantID+"?json=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Response struct {
			BatteryLevel  int    `json:"battery_level"`
			ChargingState string `json:"charging_state"`
			VehicleName   string `json:"vehicle_name"`
			Locked        bool   `json:"locked"`
		} `json:"response"`
		APIError bool `json:"api_error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.APIError)
	assert.Equal(t, 64, body.Response.BatteryLevel)
	assert.Equal(t, "Charging", body.Response.ChargingState)
	assert.Equal(t, "Besty", body.Response.VehicleName)
	assert.True(t, body.Response.Locked)

	// 指令
	w = env.postForm("/api", url.Values{
		"grant_id": {grantID},
		"command":  {"start_climate"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"result":true`)
}

func TestGrantPageNotYetActive(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now().Unix()
	id := env.addGrant(t, now+3600, now+7200)

	w := env.get("/g/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "waiting")
}

// 访问已过期的链接：404，且记录被顺手删除
func TestGrantPageExpired(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now().Unix()
	id := env.addGrant(t, now-7200, now-3600)

	w := env.get("/g/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := env.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGrantPageUnknownID(t *testing.T) {
	env := newTestEnv(t)

	w := env.get("/g/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// UUID 格式不对的 ID 同样 404，不触碰存储
	w = env.get("/g/not-a-uuid", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommandValidation(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now().Unix()
	id := env.addGrant(t, now, now+3600)

	// 白名单外的指令
	w := env.postForm("/api", url.Values{
		"grant_id": {id},
		"command":  {"honk_horn"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 缺少授权 ID
	w = env.postForm("/api", url.Values{"command": {"start_climate"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 不存在的授权
	w = env.postForm("/api", url.Values{
		"grant_id": {uuid.NewString()},
		"command":  {"start_climate"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCommandOutsideWindow(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().Unix()

	// 窗口未开始
	pending := env.addGrant(t, now+3600, now+7200)
	w := env.postForm("/api", url.Values{
		"grant_id": {pending},
		"command":  {"start_climate"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 窗口已结束：403 且记录被删除
	expired := env.addGrant(t, now-7200, now-3600)
	w = env.postForm("/api", url.Values{
		"grant_id": {expired},
		"command":  {"stop_climate"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	_, err := env.store.Get(context.Background(), expired)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCronRequiresSchedulerHeader(t *testing.T) {
	env := newTestEnv(t)

	w := env.get("/cron", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	now := time.Now().Unix()
	env.addGrant(t, now-7200, now-3600)
	env.addGrant(t, now, now+3600)

	w = env.get("/cron", http.Header{"X-Appengine-Cron": {"true"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"removed":1`)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	w := env.get("/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

// extractField 从测试模板输出里取 key= 后面的值
func extractField(t *testing.T, body, key string) string {
	t.Helper()
	idx := strings.Index(body, key)
	require.GreaterOrEqual(t, idx, 0, "field %q not in body %q", key, body)
	rest := body[idx+len(key):]
	if end := strings.IndexAny(rest, " \n"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}
