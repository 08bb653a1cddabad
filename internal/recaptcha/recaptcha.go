package recaptcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ResponseParam 前端提交 reCAPTCHA 应答的表单字段名
const ResponseParam = "g-recaptcha-response"

// siteVerifyURL reCAPTCHA v2 校验端点
var siteVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

var httpClient = &http.Client{
	Timeout: 10 * time.Second,
}

// Verify 校验提交的 reCAPTCHA 应答
func Verify(ctx context.Context, response, siteSecret string) (bool, error) {
	data := url.Values{}
	data.Set("secret", siteSecret)
	data.Set("response", response)

	req, err := http.NewRequestWithContext(ctx, "POST", siteVerifyURL, strings.NewReader(data.Encode()))
	if err != nil {
		return false, fmt.Errorf("create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode verify response: %w", err)
	}
	return result.Success, nil
}
