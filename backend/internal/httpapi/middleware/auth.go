package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const verifyTimeout = 1200 * time.Millisecond

type verifyErrResp struct {
	Error string `json:"error"`
}

type VerifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"` // "access"
}

// UserLookup 按用户名查 id，未鉴权模式下用
type UserLookup interface {
	GetUserID(ctx context.Context, username string) (uint64, error)
}

// authError 鉴权失败时返回给调用方的状态码和错误码
type authError struct {
	status int
	code   string
	msg    string
}

func (e *authError) Error() string { return e.code + ": " + e.msg }

func unauthenticated(msg string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "UNAUTHENTICATED", msg: msg}
}

func upstreamError(msg string) *authError {
	return &authError{status: http.StatusBadGateway, code: "AUTH_UPSTREAM_ERROR", msg: msg}
}

// verifier 调 auth 服务校验 access token
type verifier struct {
	client *http.Client
	url    string
	log    zerolog.Logger
}

func (v *verifier) verify(ctx context.Context, token string) (VerifyClaims, *authError) {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return VerifyClaims{}, &authError{status: http.StatusInternalServerError, code: "INTERNAL", msg: "build verify request failed"}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		// 包含超时
		v.log.Warn().Err(err).Str("url", v.url).Msg("auth verify failed")
		return VerifyClaims{}, upstreamError("auth-service verify failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return VerifyClaims{}, unauthenticated(e.Error)
	default:
		v.log.Warn().Int("status", resp.StatusCode).Msg("auth verify non-200")
		return VerifyClaims{}, upstreamError("auth-service verify non-200")
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return VerifyClaims{}, upstreamError("invalid verify response")
	}
	if claims.Type != "" && claims.Type != "access" {
		return VerifyClaims{}, unauthenticated("access token required")
	}
	return claims, nil
}

// AuthMiddleware 调 auth 服务的 /v1/auth/verify，成功后写入 userId/username。
// authBaseURL 不带路径，例如 http://localhost:3001
func AuthMiddleware(authBaseURL string, log zerolog.Logger) gin.HandlerFunc {
	v := &verifier{
		client: &http.Client{},
		url:    strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify",
		log:    log,
	}
	return func(c *gin.Context) {
		token := extractBearer(c.Request.Header.Get("Authorization"))
		if token == "" {
			// 浏览器的 WebSocket 不能带自定义 Header，允许 ?token=
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			abortAuth(c, unauthenticated("Authorization header is missing or invalid"))
			return
		}
		claims, aerr := v.verify(c.Request.Context(), token)
		if aerr != nil {
			abortAuth(c, aerr)
			return
		}
		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func abortAuth(c *gin.Context, e *authError) {
	c.AbortWithStatusJSON(e.status, gin.H{"code": e.code, "message": e.msg})
}

// QueryIdentity 没有配置 auth 服务时使用：身份直接取自 ?userId=&username=。
// 只给了 username 且 users 不为空时查库补 id
func QueryIdentity(users UserLookup, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := strings.TrimSpace(c.Query("username"))
		var userID uint64
		if raw := c.Query("userId"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"code":    "BAD_REQUEST",
					"message": "userId must be an unsigned integer",
				})
				return
			}
			userID = id
		}
		if userID == 0 && username != "" && users != nil {
			id, err := users.GetUserID(c.Request.Context(), username)
			switch {
			case err == nil:
				userID = id
			case errors.Is(err, context.Canceled):
				c.Abort()
				return
			default:
				log.Debug().Err(err).Str("username", username).Msg("user lookup")
			}
		}
		if userID == 0 && username == "" {
			abortAuth(c, unauthenticated("userId or username is required"))
			return
		}

		c.Set("userId", userID)
		c.Set("username", username)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// 前缀大小写不敏感
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
