package requestid

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(t *testing.T, header string) (string, string, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var fromGin, fromCtx string
	r := gin.New()
	r.Use(Middleware())
	r.GET("/", func(c *gin.Context) {
		fromGin = Value(c)
		fromCtx = FromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(Header, header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec.Header().Get(Header), fromGin, fromCtx
}

func TestMiddlewareKeepsWellFormedID(t *testing.T) {
	echoed, fromGin, fromCtx := serve(t, "kiosk-3.frame_42")
	assert.Equal(t, "kiosk-3.frame_42", echoed)
	assert.Equal(t, echoed, fromGin)
	assert.Equal(t, echoed, fromCtx)
}

func TestMiddlewareReplacesMalformedID(t *testing.T) {
	for _, header := range []string{"", "bad id", "<script>", strings.Repeat("a", 65)} {
		echoed, fromGin, _ := serve(t, header)
		assert.NotEqual(t, header, echoed)
		assert.Len(t, echoed, 36)
		assert.Equal(t, echoed, fromGin)
	}
}
