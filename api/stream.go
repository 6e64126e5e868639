package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/events"
)

// DefaultKeepalive is the interval of comment frames on an idle stream.
const DefaultKeepalive = 25 * time.Second

// streamEvents relays the user's events as server-sent events until the
// client disconnects or the hub drops the session.
func streamEvents(hub *events.Hub, keepalive time.Duration) echo.HandlerFunc {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return func(c echo.Context) error {
		user := userID(c)
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		sess := hub.Subscribe(user)
		defer hub.Unsubscribe(sess)

		c.Response().WriteHeader(http.StatusOK)
		if _, err := c.Response().Write([]byte(": connected\n\n")); err != nil {
			return nil
		}
		flusher.Flush()

		ctx := c.Request().Context()
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-sess.Events():
				if !ok {
					log.WithField("user", user).Info("event stream dropped")
					return nil
				}
				if _, err := c.Response().Write(events.Frame(ev)); err != nil {
					return nil
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}
