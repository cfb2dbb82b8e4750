package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

type identity struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}

func identityRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, identity{UserID: c.GetUint64("userId"), Username: c.GetString("username")})
	})
	return r
}

func serve(r http.Handler, req *http.Request) (*httptest.ResponseRecorder, identity) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var id identity
	_ = json.Unmarshal(w.Body.Bytes(), &id)
	return w, id
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "abc", extractBearer("Bearer abc"))
	require.Equal(t, "abc", extractBearer("bearer  abc "))
	require.Empty(t, extractBearer("Basic abc"))
	require.Empty(t, extractBearer("Bearer "))
	require.Empty(t, extractBearer(""))
}

func TestAuthMiddleware(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/auth/verify" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_ = json.NewEncoder(w).Encode(VerifyClaims{UserID: 7, Username: "alice", Type: "access"})
		case "Bearer refresh":
			_ = json.NewEncoder(w).Encode(VerifyClaims{UserID: 7, Username: "alice", Type: "refresh"})
		case "Bearer broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(verifyErrResp{Error: "token expired"})
		}
	}))
	defer auth.Close()

	r := identityRouter(AuthMiddleware(auth.URL+"/", zerolog.Nop()))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	w, id := serve(r, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, identity{UserID: 7, Username: "alice"}, id)

	// websocket 场景走 query
	w, id = serve(r, httptest.NewRequest(http.MethodGet, "/me?token=good", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, uint64(7), id.UserID)

	w, _ = serve(r, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = serve(r, httptest.NewRequest(http.MethodGet, "/me?token=expired", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "token expired")

	w, _ = serve(r, httptest.NewRequest(http.MethodGet, "/me?token=refresh", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = serve(r, httptest.NewRequest(http.MethodGet, "/me?token=broken", nil))
	require.Equal(t, http.StatusBadGateway, w.Code)
}

type fakeUsers map[string]uint64

func (f fakeUsers) GetUserID(_ context.Context, username string) (uint64, error) {
	id, ok := f[username]
	if !ok {
		return 0, errors.New("not found")
	}
	return id, nil
}

func TestQueryIdentity(t *testing.T) {
	r := identityRouter(QueryIdentity(fakeUsers{"bob": 42}, zerolog.Nop()))

	w, id := serve(r, httptest.NewRequest(http.MethodGet, "/me?userId=3&username=carol", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, identity{UserID: 3, Username: "carol"}, id)

	w, id = serve(r, httptest.NewRequest(http.MethodGet, "/me?username=bob", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, uint64(42), id.UserID)

	// 查不到 id 时只带用户名
	w, id = serve(r, httptest.NewRequest(http.MethodGet, "/me?username=dave", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, identity{Username: "dave"}, id)

	w, _ = serve(r, httptest.NewRequest(http.MethodGet, "/me?userId=x", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = serve(r, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
