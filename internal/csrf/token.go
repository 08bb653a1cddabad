package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// DefaultTimeout 令牌默认有效期
const DefaultTimeout = 3600 * time.Second

// DefaultAlgorithm 默认摘要算法
const DefaultAlgorithm = "sha3_384"

// delimiter 令牌字段分隔符（时间戳为 base36、盐为 hex、摘要为 hex，均不含 '-'）
const delimiter = "-"

// base36 时间戳字段上限：13 位足以编码任意 64 位整数
const maxTimestampLen = 13

// ErrInvalidAlgorithm 不支持的摘要算法
var ErrInvalidAlgorithm = fmt.Errorf("invalid hash algorithm")

// hashers 支持的摘要算法注册表
var hashers = map[string]func() hash.Hash{
	"sha3_384": sha3.New384,
	"sha3_256": sha3.New256,
	"sha256":   sha256.New,
}

// Make 为 value 生成一次性签名令牌
// 每次调用生成新的随机盐和当前时间戳，令牌不可重放
func Make(value, secret string) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate key salt: %w", err)
	}
	return MakeAt(value, secret, hex.EncodeToString(salt), time.Now().Unix())
}

// MakeAt 使用指定的盐和时间戳生成令牌（确定性，用于校验和测试）
// 格式: ts_b36 + "-" + key_salt + "-" + hex_digest
func MakeAt(value, secret, keySalt string, timestamp int64) (string, error) {
	if timestamp < 0 {
		return "", fmt.Errorf("negative timestamp")
	}
	tsB36 := strconv.FormatInt(timestamp, 36)
	digest, err := saltedHMAC(keySalt, value+tsB36, secret, DefaultAlgorithm)
	if err != nil {
		return "", err
	}
	return tsB36 + delimiter + keySalt + delimiter + hex.EncodeToString(digest), nil
}

// Check 校验令牌
// 任何解析失败、超时或摘要不匹配都返回 false，不返回错误
// 注意：只拒绝早于 now-timeout 的令牌，时间戳在未来的令牌只要摘要匹配即接受
func Check(value, secret, token string, timeout time.Duration) bool {
	if value == "" || secret == "" || token == "" {
		return false
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	parts := strings.Split(token, delimiter)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return false
	}

	tsB36, keySalt := parts[0], parts[1]
	if len(tsB36) > maxTimestampLen {
		return false
	}
	ts, err := strconv.ParseInt(tsB36, 36, 64)
	if err != nil || ts < 0 {
		return false
	}

	if time.Now().Unix()-ts > int64(timeout.Seconds()) {
		return false
	}

	expected, err := MakeAt(value, secret, keySalt, ts)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}

// saltedHMAC 用盐和密钥派生出的子键计算 value 的 HMAC
// 始终重新派生子键：保证 salt||secret 超过哈希块长时行为一致，且每个盐对应独立密钥
func saltedHMAC(keySalt, value, secret, algorithm string) ([]byte, error) {
	hasher, ok := hashers[algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAlgorithm, algorithm)
	}

	h := hasher()
	h.Write([]byte(keySalt))
	h.Write([]byte(secret))
	key := h.Sum(nil)

	mac := hmac.New(hasher, key)
	mac.Write([]byte(value))
	return mac.Sum(nil), nil
}
