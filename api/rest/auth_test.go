package rest_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/api/rest"
	"github.com/R21Digital/Project-MorningStar-sub014/config"
	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/testutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthRouter(t *testing.T) (*gin.Engine, *rest.AuthHandler) {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	sec := config.SecurityConfig{
		JWTSecret: "test-secret",
		JWTTTLH:   72 * time.Hour,
	}
	h := rest.NewAuthHandler(db, c, sec)
	r := gin.New()
	r.POST("/api/auth/login", h.Login)
	r.POST("/api/auth/logout", mw.Auth(sec, c), h.Logout)
	r.POST("/api/auth/refresh", mw.Auth(sec, c), h.Refresh)
	r.GET("/api/auth/me", mw.Auth(sec, c), h.Me)
	return r, h
}

func postJSON(r *gin.Engine, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func loginAs(t *testing.T, r *gin.Engine, body map[string]string) map[string]interface{} {
	t.Helper()
	w := postJSON(r, "/api/auth/login", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestLogin_RegistersThenReuses(t *testing.T) {
	r, _ := newAuthRouter(t)

	first := loginAs(t, r, map[string]string{"username": "vexhan", "password": "pass1234", "discord_id": "4242"})
	assert.NotEmpty(t, first["token"])
	assert.Equal(t, "4242", first["discord_id"])
	assert.NotEmpty(t, first["expires_at"])

	second := loginAs(t, r, map[string]string{"username": "vexhan", "password": "pass1234"})
	assert.Equal(t, first["account_id"], second["account_id"])
	assert.NotEqual(t, first["token"], second["token"])
	assert.Equal(t, "4242", second["discord_id"])
}

func TestLogin_LinksDiscordOnce(t *testing.T) {
	r, _ := newAuthRouter(t)
	loginAs(t, r, map[string]string{"username": "kira", "password": "pass1234"})

	resp := loginAs(t, r, map[string]string{"username": "kira", "password": "pass1234", "discord_id": "111"})
	assert.Equal(t, "111", resp["discord_id"])

	resp = loginAs(t, r, map[string]string{"username": "kira", "password": "pass1234", "discord_id": "222"})
	assert.Equal(t, "111", resp["discord_id"], "an existing link is not overwritten")
}

func TestLogin_BadInput(t *testing.T) {
	r, _ := newAuthRouter(t)
	for name, body := range map[string]map[string]string{
		"short password": {"username": "ab", "password": "123"},
		"missing user":   {"password": "pass1234"},
		"non-numeric id": {"username": "abc", "password": "pass1234", "discord_id": "not-a-snowflake"},
	} {
		w := postJSON(r, "/api/auth/login", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}

func TestLogin_WrongPasswordLocksOut(t *testing.T) {
	r, _ := newAuthRouter(t)
	loginAs(t, r, map[string]string{"username": "bob", "password": "correct"})

	for i := 0; i < 5; i++ {
		w := postJSON(r, "/api/auth/login", map[string]string{"username": "bob", "password": "wrong"})
		require.Equal(t, http.StatusUnauthorized, w.Code, i)
	}
	w := postJSON(r, "/api/auth/login", map[string]string{"username": "BOB", "password": "correct"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "900", w.Header().Get("Retry-After"))
}

func TestLogin_SuccessClearsFailures(t *testing.T) {
	r, _ := newAuthRouter(t)
	loginAs(t, r, map[string]string{"username": "carol", "password": "pass1234"})

	for i := 0; i < 4; i++ {
		postJSON(r, "/api/auth/login", map[string]string{"username": "carol", "password": "nope"})
	}
	loginAs(t, r, map[string]string{"username": "carol", "password": "pass1234"})
	w := postJSON(r, "/api/auth/login", map[string]string{"username": "carol", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	loginAs(t, r, map[string]string{"username": "carol", "password": "pass1234"})
}

func TestLogout_RevokesToken(t *testing.T) {
	r, _ := newAuthRouter(t)
	token := loginAs(t, r, map[string]string{"username": "dave", "password": "pass1234"})["token"].(string)

	w := postJSON(r, "/api/auth/logout", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)

	w = postJSON(r, "/api/auth/logout", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefresh_RotatesToken(t *testing.T) {
	r, _ := newAuthRouter(t)
	old := loginAs(t, r, map[string]string{"username": "refreshuser", "password": "pass1234"})["token"].(string)

	w := postJSON(r, "/api/auth/refresh", nil, "Authorization", "Bearer "+old)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	fresh := resp["token"].(string)
	assert.NotEqual(t, old, fresh)

	assert.Equal(t, http.StatusUnauthorized, postJSON(r, "/api/auth/refresh", nil, "Authorization", "Bearer "+old).Code)
	assert.Equal(t, http.StatusOK, postJSON(r, "/api/auth/refresh", nil, "Authorization", "Bearer "+fresh).Code)
}

func TestRefresh_NoToken(t *testing.T) {
	r, _ := newAuthRouter(t)
	w := postJSON(r, "/api/auth/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMe(t *testing.T) {
	r, _ := newAuthRouter(t)
	token := loginAs(t, r, map[string]string{"username": "erin", "password": "pass1234"})["token"].(string)

	w := doRequest(r, http.MethodGet, "/api/auth/me", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	var acc model.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
	assert.Equal(t, "erin", acc.Username)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestLogin_BannedAccount(t *testing.T) {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	sec := config.SecurityConfig{JWTSecret: "test-secret", JWTTTLH: 72 * time.Hour}
	r := gin.New()
	r.POST("/api/auth/login", rest.NewAuthHandler(db, c, sec).Login)

	loginAs(t, r, map[string]string{"username": "bannedacc", "password": "pass1234"})
	db.Model(&model.Account{}).Where("username = ?", "bannedacc").
		Updates(map[string]interface{}{"status": model.AccountBanned, "ban_reason": "rmt"})

	w := postJSON(r, "/api/auth/login", map[string]string{"username": "bannedacc", "password": "pass1234"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "rmt")
}
