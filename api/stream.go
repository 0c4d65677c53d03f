package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

const streamInterval = 5 * time.Second

// streamBoard pushes the user's board as server-sent events. EventSource
// cannot set headers, so the bearer token may also arrive as a query param.
func streamBoard(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		if header == "" {
			if token := c.QueryParam("token"); token != "" {
				header = "Bearer " + token
			}
		}
		userID, err := auth.UserIDFromAuthHeader(header)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		ticker := time.NewTicker(streamInterval)
		defer ticker.Stop()
		for {
			tasks, err := store.FetchTasks(ctx, userID)
			if err == nil {
				// A marshal failure skips the tick instead of emitting an
				// empty data frame.
				if data, merr := sonic.ConfigStd.Marshal(tasks); merr == nil {
					id := strconv.FormatInt(nextTimestamp(), 10)
					if _, err := c.Response().Write([]byte("id: " + id + "\ndata: ")); err != nil {
						return nil
					}
					if _, err := c.Response().Write(data); err != nil {
						return nil
					}
					if _, err := c.Response().Write([]byte("\n\n")); err != nil {
						return nil
					}
					flusher.Flush()
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}
