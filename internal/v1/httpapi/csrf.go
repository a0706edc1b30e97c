package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Double-submit cookie: the login response sets a readable cookie, and every
// mutating request must echo the same value in a header. A cross-site caller
// can trigger the request but cannot read the cookie to forge the header.
const (
	csrfCookieName   = "csrf_token"
	csrfHeaderName   = "X-CSRF-Token"
	csrfCookieMaxAge = 7 * 24 * 60 * 60
)

// issueCSRF sets a fresh CSRF cookie and returns the token so the client can
// mirror it in subsequent headers.
func issueCSRF(c *gin.Context) string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	token := hex.EncodeToString(buf)
	c.SetSameSite(http.SameSiteStrictMode)
	// Not HttpOnly: the client must read it back into the header.
	c.SetCookie(csrfCookieName, token, csrfCookieMaxAge, "/", "", false, false)
	return token
}

// csrfProtect enforces the cookie/header pair on mutating methods.
func csrfProtect() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		cookie, err := c.Cookie(csrfCookieName)
		header := c.GetHeader(csrfHeaderName)
		if err != nil || cookie == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "csrf token mismatch"})
			return
		}
		c.Next()
	}
}
