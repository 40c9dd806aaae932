package api

import (
	"compress/gzip"
	"errors"
	"io"
	"strings"

	"github.com/labstack/echo/v4"
)

var errBadGzipBody = errors.New("body is gzip-encoded but does not decompress")

// requestBody returns a reader over the request body for the write
// endpoints, transparently decompressing gzip-encoded payloads. The cap
// applies to decoded bytes, so a compressed payload cannot balloon past the
// endpoint's budget. The returned func releases the decompressor.
func requestBody(c echo.Context, limit int64) (io.Reader, func(), error) {
	req := c.Request()
	if !gzipEncoded(req.Header.Get(echo.HeaderContentEncoding)) {
		return io.LimitReader(req.Body, limit), func() {}, nil
	}
	gr, err := gzip.NewReader(req.Body)
	if err != nil {
		return nil, nil, errBadGzipBody
	}
	return io.LimitReader(gr, limit), func() { _ = gr.Close() }, nil
}

func gzipEncoded(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(strings.ToLower(header), ",") {
		if strings.TrimSpace(enc) == "gzip" {
			return true
		}
	}
	return false
}
