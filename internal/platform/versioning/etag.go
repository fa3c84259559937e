// Package versioning carries the optimistic-concurrency token of a record
// over HTTP as a weak ETag.
package versioning

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
func SetVersionHeaders(c echo.Context, version int, lastModified string) {
	c.Response().Header().Set("ETag", FormatETag(version))
	if lastModified != "" {
		c.Response().Header().Set("Last-Modified", lastModified)
	}
}

// IfMatch returns the version named by the If-Match header.
// Returns 0, nil if no If-Match header is present (unconditional update).
func IfMatch(c echo.Context) (int, error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" || strings.TrimSpace(ifMatch) == "*" {
		return 0, nil
	}
	v, err := ParseETag(ifMatch)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
	}
	if v <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: version must be positive")
	}
	return v, nil
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version.
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// NotModified reports whether If-None-Match names the current version.
func NotModified(c echo.Context, version int) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}
	v, err := ParseETag(ifNoneMatch)
	if err != nil {
		return false
	}
	return v == version
}
