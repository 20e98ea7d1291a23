package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/webdav-server/internal/auth"
)

// UserKey is the gin context key holding the authenticated username.
const UserKey = "username"

// AuthMiddleware requires Basic credentials or a Bearer token on every
// request. Preflight requests pass so CORS keeps working.
func AuthMiddleware(authService *auth.Service, logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.Next()
			return
		}

		username, err := authService.Authenticate(c.GetHeader("Authorization"))
		if err != nil {
			logger.WithFields(logrus.Fields{
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
				"ip":     c.ClientIP(),
				"error":  err,
			}).Debug("authentication failed")
			c.Header("WWW-Authenticate", `Basic realm="WebDAV"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		c.Set(UserKey, username)
		c.Next()
	}
}

var (
	corsMethods = strings.Join([]string{
		"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS",
		"PROPFIND", "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK",
	}, ", ")
	corsHeaders = strings.Join([]string{
		"Content-Type", "Authorization", "Depth", "Destination", "Overwrite",
		"If", "If-Match", "If-None-Match", "Lock-Token", "Timeout",
	}, ", ")
	corsExposed = strings.Join([]string{
		"Content-Length", "Content-Type", "Last-Modified", "ETag",
		"DAV", "Lock-Token", "Allow", "X-Request-ID",
	}, ", ")
)

// CORSMiddleware answers preflight requests and exposes the WebDAV headers.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", corsMethods)
		c.Header("Access-Control-Allow-Headers", corsHeaders)
		c.Header("Access-Control-Expose-Headers", corsExposed)
		c.Header("Access-Control-Max-Age", "86400")

		// Plain OPTIONS is a WebDAV capability query and reaches the handler.
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
