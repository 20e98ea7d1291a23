package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

func LoggerMiddleware(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		latency := time.Since(startTime)
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		entry := logger.WithFields(logrus.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"latency":    latency,
			"ip":         c.ClientIP(),
			"user":       c.GetString(UserKey),
			"request_id": requestID,
			"size":       humanize.Bytes(uint64(size)),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request processed")
			return
		}
		entry.Info("request processed")
	}
}

func RecoveryMiddleware(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":      err,
					"method":     c.Request.Method,
					"path":       c.Request.URL.Path,
					"request_id": c.GetString(requestIDKey),
				}).Error("panic recovered")
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

var xmlMethods = map[string]bool{
	"PROPFIND":  true,
	"PROPPATCH": true,
	"LOCK":      true,
}

// XMLBodyLogger logs the XML bodies of PROPFIND, PROPPATCH and LOCK requests
// at debug level, truncated to maxBody bytes. The handler still sees the whole
// body.
func XMLBodyLogger(logger logrus.FieldLogger, maxBody int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !xmlMethods[c.Request.Method] || c.Request.Body == nil {
			c.Next()
			return
		}

		head := make([]byte, maxBody)
		n, err := io.ReadFull(c.Request.Body, head)
		head = head[:n]
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		c.Request.Body = readCloser{io.MultiReader(bytes.NewReader(head), c.Request.Body), c.Request.Body}

		if n > 0 {
			body := string(head)
			if n == maxBody {
				body += "..."
			}
			logger.WithFields(logrus.Fields{
				"method":     c.Request.Method,
				"path":       c.Request.URL.Path,
				"request_id": c.GetString(requestIDKey),
				"body":       body,
			}).Debug("request body")
		}
		c.Next()
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
