package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	sessionCookie = "mix_session"
	sessionTTL    = time.Hour
	sessionKey    = "session_id"
)

type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// sessionMiddleware assigns every visitor an opaque session id carried in a
// signed cookie. A transaction is only visible to the session that created
// it, so the id is the sole access credential.
func (g *Gateway) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw, err := c.Cookie(sessionCookie); err == nil {
			if sid, ok := g.parseSession(raw); ok {
				c.Set(sessionKey, sid)
				c.Next()
				return
			}
		}

		sid := uuid.NewString()
		token, err := g.signSession(sid)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				gin.H{"error": "failed to establish session"})
			return
		}

		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(sessionCookie, token, int(sessionTTL.Seconds()), "/", "", false, true)
		c.Set(sessionKey, sid)
		c.Next()
	}
}

func (g *Gateway) signSession(sid string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(g.secret))
}

func (g *Gateway) parseSession(raw string) (string, bool) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(g.secret), nil
	})
	if err != nil || !token.Valid || claims.SessionID == "" {
		return "", false
	}
	return claims.SessionID, true
}

func currentSession(c *gin.Context) string {
	return c.GetString(sessionKey)
}
