package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// quietPaths are polled by scrapers and health checks; they log at debug.
var quietPaths = map[string]bool{
	"/metrics": true,
	"/health":  true,
	"/ready":   true,
}

// RequestLogger logs one line per admin request. A STOMP WebSocket upgrade
// returns only when its session ends, so it is logged as a session with
// its lifetime and negotiated subprotocol.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := routePath(c)
		status := requestStatus(c)
		if isUpgrade(c.Request) {
			logger.Info().
				Str("path", path).
				Int("status", status).
				Str("subprotocol", c.Writer.Header().Get("Sec-Websocket-Protocol")).
				Str("remote", c.ClientIP()).
				Dur("lifetime", time.Since(start)).
				Msg("admin.stomp_websocket closed")
			return
		}

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case quietPaths[path]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("remote", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("admin.http_request")
	}
}

// RequestMetricsMiddleware counts admin requests for component. Scrapes of
// /metrics are skipped; upgrades are counted as 101 under method WS.
func RequestMetricsMiddleware(component string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return
		}
		method := c.Request.Method
		if isUpgrade(c.Request) {
			method = "WS"
		}
		RecordHTTPRequest(component, method, path, requestStatus(c), time.Since(start))
	}
}

func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// requestStatus reports 101 for a hijacked upgrade, which gin still sees as
// the default 200.
func requestStatus(c *gin.Context) int {
	status := c.Writer.Status()
	if isUpgrade(c.Request) && status == http.StatusOK {
		return http.StatusSwitchingProtocols
	}
	return status
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
