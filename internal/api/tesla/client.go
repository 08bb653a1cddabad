package tesla

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// 错误定义
var (
	ErrAuthentication     = fmt.Errorf("authentication failed")
	ErrVehicleUnavailable = fmt.Errorf("vehicle unavailable")
	ErrRateLimited        = fmt.Errorf("rate limited")
)

// APIError 上游 API 返回的业务错误（非认证类）
type APIError struct {
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote api error: %s", e.Reason)
}

// Client Tesla API 客户端
// 每个请求上下文各持有一个客户端实例，token 来自对应的授权记录
type Client struct {
	httpClient   *http.Client
	authHost     string
	apiHost      string
	clientID     string
	clientSecret string
	email        string
	password     string
	token        *Token
}

// NewClient 创建新的 Tesla API 客户端
func NewClient(authHost, apiHost, clientID, clientSecret string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		authHost:     authHost,
		apiHost:      apiHost,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// SetCredentials 设置密码登录凭据
func (c *Client) SetCredentials(email, password string) {
	c.email = email
	c.password = password
}

// SetToken 设置认证令牌
func (c *Client) SetToken(token *Token) {
	c.token = token
}

// Token 获取当前令牌（可能在请求过程中被刷新过）
func (c *Client) Token() *Token {
	return c.token
}

// tokenRequest 执行一次 OAuth 令牌请求，401 映射为 ErrAuthentication
func (c *Client) tokenRequest(ctx context.Context, data url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.authHost+"/oauth/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthentication
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var token Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.CreatedAt == 0 {
		token.CreatedAt = time.Now().Unix()
	}
	return &token, nil
}

// Authenticate 用邮箱密码获取新令牌
func (c *Client) Authenticate(ctx context.Context) error {
	if c.email == "" || c.password == "" {
		return ErrAuthentication
	}

	data := url.Values{}
	data.Set("grant_type", "password")
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("email", c.email)
	data.Set("password", c.password)

	token, err := c.tokenRequest(ctx, data)
	if err != nil {
		return err
	}
	c.token = token
	return nil
}

// Refresh 刷新访问令牌
func (c *Client) Refresh(ctx context.Context) error {
	if c.token == nil || c.token.RefreshToken == "" {
		return ErrAuthentication
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("refresh_token", c.token.RefreshToken)

	token, err := c.tokenRequest(ctx, data)
	if err != nil {
		return err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = c.token.RefreshToken
	}
	c.token = token
	return nil
}

// authenticate 确保持有可用令牌：无令牌走密码登录，过期走刷新
func (c *Client) authenticate(ctx context.Context) error {
	if c.token == nil || c.token.AccessToken == "" {
		if c.token != nil && c.token.RefreshToken != "" {
			return c.Refresh(ctx)
		}
		return c.Authenticate(ctx)
	}
	if c.token.IsExpired() {
		return c.Refresh(ctx)
	}
	return nil
}

// doRequest 执行带认证的请求
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if err := c.authenticate(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiHost+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.token.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TeslaGrant/1.0")

	return c.httpClient.Do(req)
}

// apiResponse 通用 API 响应结构
type apiResponse struct {
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error,omitempty"`
}

// decodeResponse 解码响应体，按状态码和 error 字段分类错误
func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// 正常
	case http.StatusUnauthorized:
		return ErrAuthentication
	case http.StatusRequestTimeout:
		return ErrVehicleUnavailable
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		return &APIError{Reason: fmt.Sprintf("status=%d body=%s", resp.StatusCode, string(body))}
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != "" {
		return &APIError{Reason: apiResp.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(apiResp.Response, out); err != nil {
		return fmt.Errorf("decode response payload: %w", err)
	}
	return nil
}

// ListVehicles 获取账户下的车辆列表
func (c *Client) ListVehicles(ctx context.Context) ([]*Vehicle, error) {
	resp, err := c.doRequest(ctx, "GET", "/api/1/vehicles", nil)
	if err != nil {
		return nil, err
	}

	var vehicles []*Vehicle
	if err := decodeResponse(resp, &vehicles); err != nil {
		return nil, err
	}
	return vehicles, nil
}

// GetVehicle 获取单个车辆信息，顺带验证令牌和车辆 ID 有效
func (c *Client) GetVehicle(ctx context.Context, id string) (*Vehicle, error) {
	resp, err := c.doRequest(ctx, "GET", "/api/1/vehicles/"+id, nil)
	if err != nil {
		return nil, err
	}

	var vehicle Vehicle
	if err := decodeResponse(resp, &vehicle); err != nil {
		return nil, err
	}
	return &vehicle, nil
}

// GetVehicleData 获取车辆完整数据
func (c *Client) GetVehicleData(ctx context.Context, id string) (*VehicleData, error) {
	resp, err := c.doRequest(ctx, "GET", "/api/1/vehicles/"+id+"/vehicle_data", nil)
	if err != nil {
		return nil, err
	}

	var data VehicleData
	if err := decodeResponse(resp, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// WakeUp 唤醒车辆
// API 会立即返回，车辆真正在线可能还需要数秒
func (c *Client) WakeUp(ctx context.Context, id string) (*Vehicle, error) {
	resp, err := c.doRequest(ctx, "POST", "/api/1/vehicles/"+id+"/wake_up", nil)
	if err != nil {
		return nil, err
	}

	var vehicle Vehicle
	if err := decodeResponse(resp, &vehicle); err != nil {
		return nil, err
	}
	return &vehicle, nil
}

// command 执行远程指令
func (c *Client) command(ctx context.Context, id, name string) (*CommandResponse, error) {
	resp, err := c.doRequest(ctx, "POST", "/api/1/vehicles/"+id+"/command/"+name, strings.NewReader("{}"))
	if err != nil {
		return nil, err
	}

	var result CommandResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartClimate 启动空调
func (c *Client) StartClimate(ctx context.Context, id string) (*CommandResponse, error) {
	return c.command(ctx, id, "auto_conditioning_start")
}

// StopClimate 关闭空调
func (c *Client) StopClimate(ctx context.Context, id string) (*CommandResponse, error) {
	return c.command(ctx, id, "auto_conditioning_stop")
}
