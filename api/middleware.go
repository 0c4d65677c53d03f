package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// GzipRequestMiddleware transparently decompresses gzip-encoded request
// bodies. Batch payloads from large boards compress well, so clients are
// encouraged to send them encoded; a broken gzip stream gets a 400.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !gzipEncoded(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			raw := req.Body
			zr, err := gzip.NewReader(raw)
			if err != nil {
				_ = raw.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &decodedBody{zr: zr, raw: raw}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func gzipEncoded(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type decodedBody struct {
	zr  *gzip.Reader
	raw io.Closer
}

func (b *decodedBody) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b *decodedBody) Close() error {
	err := b.zr.Close()
	if cerr := b.raw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
