package cors

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-attendance-sync/pkg/middleware/requestid"
)

// New returns a CORS middleware for the given origins. An entry may be an exact origin or a
// "*.host" wildcard matching any subdomain. An empty list allows every origin without
// credentials.
func New(allowedOrigins []string) gin.HandlerFunc {
	p := newPolicy(allowedOrigins)
	allowHeaders := strings.Join([]string{"Authorization", "Content-Type", requestid.Header}, ", ")

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Add("Vary", "Origin")
		switch origin := c.GetHeader("Origin"); {
		case p.open:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && p.allows(origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Expose-Headers", requestid.Header+", Content-Disposition")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Max-Age", "600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type policy struct {
	open     bool
	exact    map[string]struct{}
	suffixes []string
}

func newPolicy(origins []string) policy {
	p := policy{open: len(origins) == 0, exact: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			p.open = true
			continue
		}
		if i := strings.Index(origin, "://*."); i >= 0 {
			p.suffixes = append(p.suffixes, origin[i+4:])
			continue
		}
		if strings.HasPrefix(origin, "*.") {
			p.suffixes = append(p.suffixes, origin[1:])
			continue
		}
		p.exact[origin] = struct{}{}
	}
	return p
}

func (p policy) allows(origin string) bool {
	origin = strings.TrimRight(origin, "/")
	if _, ok := p.exact[origin]; ok {
		return true
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	for _, suffix := range p.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
