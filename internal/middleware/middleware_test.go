package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return rdb, mr
}

func TestSession_MintsAnonymousSession(t *testing.T) {
	rdb, mr := setupRedis(t)
	app := fiber.New()
	app.Use(Session(SessionConfig{}, rdb))
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(GetSessionID(c))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	sid := string(body)
	_, err = uuid.Parse(sid)
	require.NoError(t, err)

	var cookie string
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookieName {
			cookie = c.Value
			assert.True(t, c.HttpOnly)
		}
	}
	assert.Equal(t, sid, cookie)
	assert.True(t, mr.Exists(SessionRedisPrefix+sid))

	// The same cookie keeps the same session.
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Cookie", SessionCookieName+"="+sid)
	resp2, err := app.Test(req)
	require.NoError(t, err)
	body2, _ := io.ReadAll(resp2.Body)
	assert.Equal(t, sid, string(body2))
	assert.Empty(t, resp2.Cookies())
}

func TestSession_LoadsUserFromStore(t *testing.T) {
	rdb, _ := setupRedis(t)
	sid := uuid.New().String()
	stored, _ := json.Marshal(map[string]interface{}{
		"user": map[string]interface{}{"user_id": "user-42"},
	})
	require.NoError(t, rdb.Set(context.Background(), SessionRedisPrefix+sid, stored, 0).Err())

	app := fiber.New()
	app.Use(Session(SessionConfig{Secret: "cookie-secret"}, rdb))
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(GetSessionID(c) + "|" + GetUserID(c))
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Cookie", SessionCookieName+"="+SignSessionID(sid, "cookie-secret"))
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, sid+"|user-42", string(body))
}

func TestSession_RejectsGarbageCookie(t *testing.T) {
	app := fiber.New()
	app.Use(Session(SessionConfig{}, nil))
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(GetSessionID(c))
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Cookie", SessionCookieName+"=../../etc")
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.NotEqual(t, "../../etc", string(body))
	_, err = uuid.Parse(string(body))
	assert.NoError(t, err)
}

func TestSession_VerifiesSignature(t *testing.T) {
	const secret = "cookie-secret"
	app := fiber.New()
	app.Use(Session(SessionConfig{Secret: secret}, nil))
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(GetSessionID(c))
	})
	sid := uuid.New().String()

	get := func(cookie string) (string, []*http.Cookie) {
		req := httptest.NewRequest("GET", "/", nil)
		if cookie != "" {
			req.Header.Set("Cookie", SessionCookieName+"="+cookie)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		return string(body), resp.Cookies()
	}

	got, cookies := get(SignSessionID(sid, secret))
	assert.Equal(t, sid, got)
	assert.Empty(t, cookies)

	got, cookies = get(url.QueryEscape(SignSessionID(sid, secret)))
	assert.Equal(t, sid, got)
	assert.Empty(t, cookies)

	for _, forged := range []string{
		"s:" + sid + ".signature",
		SignSessionID(sid, "other-secret"),
		sid,
	} {
		got, cookies = get(forged)
		assert.NotEqual(t, sid, got, forged)
		require.Len(t, cookies, 1, forged)
		assert.Equal(t, SignSessionID(got, secret), cookies[0].Value)
	}
}

func TestSession_UnsignedModeRejectsSignedCookie(t *testing.T) {
	app := fiber.New()
	app.Use(Session(SessionConfig{}, nil))
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(GetSessionID(c))
	})
	sid := uuid.New().String()

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Cookie", SessionCookieName+"="+SignSessionID(sid, "k"))
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.NotEqual(t, sid, string(body))
}

func TestRequireInternalKey(t *testing.T) {
	app := fiber.New()
	app.Post("/convert", RequireInternalKey("s3cret"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest("POST", "/convert", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	req := httptest.NewRequest("POST", "/convert", nil)
	req.Header.Set(InternalKeyHeader, "wrong")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	req = httptest.NewRequest("POST", "/convert", nil)
	req.Header.Set(InternalKeyHeader, "s3cret")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestRequireInternalKey_UnsetKeyNeverMatches(t *testing.T) {
	app := fiber.New()
	app.Post("/convert", RequireInternalKey(""), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	req := httptest.NewRequest("POST", "/convert", nil)
	req.Header.Set(InternalKeyHeader, "")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	app := fiber.New()
	app.Use(CORS(CORSConfig{AllowedSuffixes: ParseSuffixes(" .tickets.example, .BoxOffice.example ,"), DevPassword: "pw"}))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://app.tickets.example")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "https://app.tickets.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-Internal-Key")

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("dev-password", "pw")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	req = httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://till-3.boxoffice.example")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://till-3.boxoffice.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", resp.Header.Get("Vary"))

	req = httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestParseSuffixes(t *testing.T) {
	assert.Equal(t, []string{".tickets.example", ".boxoffice.example"}, ParseSuffixes(".tickets.example, .BoxOffice.example,"))
	assert.Nil(t, ParseSuffixes(""))
}

func TestCORS_Localhost(t *testing.T) {
	for _, allow := range []bool{true, false} {
		app := fiber.New()
		app.Use(CORS(CORSConfig{AllowLocalhost: allow}))
		app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		resp, err := app.Test(req)
		require.NoError(t, err)
		if allow {
			assert.Equal(t, 200, resp.StatusCode)
		} else {
			assert.Equal(t, 403, resp.StatusCode)
		}
	}
}

func TestTracing_KeepsIncomingID(t *testing.T) {
	app := fiber.New()
	app.Use(Tracing())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(GetTraceID(c)) })

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Trace-Id", "trace-abc")
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "trace-abc", string(body))
	assert.Equal(t, "trace-abc", resp.Header.Get("X-Trace-Id"))

	resp, err = app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-Id"))
}

func TestHealthMarkerAndErrorLog(t *testing.T) {
	rdb, mr := setupRedis(t)
	app := fiber.New(fiber.Config{ErrorHandler: NewErrorHandler(rdb)})
	app.Use(Tracing())
	app.Use(HealthMarker(rdb))
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/boom", func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusServiceUnavailable, "db down") })
	app.Get("/health/json", func(c *fiber.Ctx) error { return c.SendString("{}") })

	for _, path := range []string{"/ok", "/ok", "/boom", "/health/json"} {
		_, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
	}

	total, err := mr.Get(KeyReqTotal)
	require.NoError(t, err)
	assert.Equal(t, "3", total)
	errs, err := mr.Get(KeyReqErrors)
	require.NoError(t, err)
	assert.Equal(t, "1", errs)

	entries, err := rdb.LRange(context.Background(), KeyErrorLog, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &entry))
	assert.Equal(t, "db down", entry["message"])
	assert.Equal(t, "/boom", entry["path"])
}

func TestErrorHandler_Envelope(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Get("/", func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusNotFound, "nope") })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "error", out["status"])
	assert.Equal(t, "nope", out["error"].(map[string]interface{})["message"])
}
