package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// SessionConfig for the Redis-backed viewer session.
type SessionConfig struct {
	// Secret signs the cookie as "s:<id>.<hmac>". When empty the cookie
	// carries the bare id and signed cookies are not accepted.
	Secret            string
	AllowCrossSiteDev bool
	IsProduction      bool
}

const (
	SessionCookieName  = "tix.sid"
	SessionRedisPrefix = "session:"
	sessionMaxAge      = 24 * time.Hour
	sessionIDLocal     = "session_id"
	sessionDataLocal   = "session_data"
	userIDLocal        = "user_id"
)

// Session identifies the caller. Every visitor gets a session id (minted
// anonymously on first contact) because holds are owned by sessions, not
// accounts. When rdb is set the session data is loaded from and saved to
// Redis under "session:<id>", so a login service sharing the store can attach
// a user.
func Session(cfg SessionConfig, rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sessionID := parseSessionCookie(c.Cookies(SessionCookieName), cfg.Secret)

		var data map[string]interface{}
		if sessionID != "" && rdb != nil {
			b, err := rdb.Get(context.Background(), SessionRedisPrefix+sessionID).Bytes()
			if err == nil {
				_ = json.Unmarshal(b, &data)
			} else if err != redis.Nil {
				log.Warn().Err(err).Msg("session load failed")
			}
		}
		if data == nil {
			data = make(map[string]interface{})
		}
		if sessionID == "" {
			sessionID = uuid.New().String()
			data["createdAt"] = time.Now().UTC()
			cookie := SessionCookie(cfg)
			cookie.Value = sessionID
			if cfg.Secret != "" {
				cookie.Value = SignSessionID(sessionID, cfg.Secret)
			}
			c.Cookie(&cookie)
		}

		c.Locals(sessionIDLocal, sessionID)
		c.Locals(sessionDataLocal, data)
		if u, ok := data["user"].(map[string]interface{}); ok {
			if id, ok := u["user_id"].(string); ok {
				c.Locals(userIDLocal, id)
			}
		}

		if err := c.Next(); err != nil {
			return err
		}

		if rdb != nil {
			b, _ := json.Marshal(data)
			rdb.Set(context.Background(), SessionRedisPrefix+sessionID, b, sessionMaxAge)
		}
		return nil
	}
}

// GetSessionID returns the caller's session id.
func GetSessionID(c *fiber.Ctx) string {
	sid, _ := c.Locals(sessionIDLocal).(string)
	return sid
}

// GetUserID returns the logged-in user id attached to the session, if any.
func GetUserID(c *fiber.Ctx) string {
	id, _ := c.Locals(userIDLocal).(string)
	return id
}

// SessionCookie returns the cookie options for the session cookie.
func SessionCookie(cfg SessionConfig) fiber.Cookie {
	sameSite := "Lax"
	if cfg.AllowCrossSiteDev {
		sameSite = "None"
	}
	secure := cfg.IsProduction || cfg.AllowCrossSiteDev
	return fiber.Cookie{
		Name:     SessionCookieName,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HTTPOnly: true,
		Secure:   secure,
		SameSite: sameSite,
	}
}

// SignSessionID returns the signed cookie value for id.
func SignSessionID(id, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	return "s:" + id + "." + base64.RawStdEncoding.EncodeToString(mac.Sum(nil))
}

// parseSessionCookie returns the session id carried by raw, or "" when the
// cookie is missing, malformed or fails signature verification.
func parseSessionCookie(raw, secret string) string {
	if strings.Contains(raw, "%") {
		if v, err := url.QueryUnescape(raw); err == nil {
			raw = v
		}
	}
	id := raw
	switch {
	case secret != "":
		dot := strings.LastIndex(raw, ".")
		if !strings.HasPrefix(raw, "s:") || dot < 2 {
			return ""
		}
		id = raw[2:dot]
		if !hmac.Equal([]byte(SignSessionID(id, secret)), []byte(raw)) {
			return ""
		}
	case strings.HasPrefix(raw, "s:"):
		return ""
	}
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}
	return id
}
