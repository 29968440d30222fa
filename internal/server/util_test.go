package server

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestMountPoint(t *testing.T) {
	for in, want := range map[string]string{
		"":             "",
		"/":            "",
		" / ":          "",
		"bridge":       "/bridge",
		"/bridge/":     "/bridge",
		"//bridge//v1": "/bridge/v1",
		"/a/../bridge": "/bridge",
	} {
		assert.Equal(t, want, mountPoint(in), "mountPoint(%q)", in)
	}
}

func TestValidStoreID(t *testing.T) {
	for _, s := range []string{"a", "A1._-", "store-42", "7f3c9a2e"} {
		assert.True(t, validStoreID(s), s)
	}
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	for _, s := range []string{"", "..", "a..b", "a/b", `a\b`, "store*", "门店1", "a b", "x?y=1", string(long)} {
		assert.False(t, validStoreID(s), s)
	}
}

func TestWriteJSON_VerbatimAndUncached(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"name": "<Front & Back>"}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))

	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "<Front & Back>")
}
