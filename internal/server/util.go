package server

import (
	"encoding/json"
	"path"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// storeIDPattern bounds store identifiers. They are spliced into STOMP
// destinations and backend URLs, so separators and escapes are rejected.
var storeIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

func validStoreID(s string) bool {
	return storeIDPattern.MatchString(s) && !strings.Contains(s, "..")
}

// mountPoint turns a configured base path into a gin group prefix:
// "" and "/" mount at the root, anything else gets one leading slash and no
// trailing one.
func mountPoint(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	p := path.Clean("/" + base)
	if p == "/" {
		return ""
	}
	return p
}

// writeJSON renders v without HTML escaping; printer names and task content
// are returned to the UI verbatim. Bridge answers are never cacheable.
func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Header("Cache-Control", "no-store")
	c.Status(code)
	enc := json.NewEncoder(c.Writer)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
