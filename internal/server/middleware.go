package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const HeaderInternalToken = "X-Internal-Token"

// InternalTokenRequired checks the shared bot token. The check is off when
// no token is configured.
func (s *Server) InternalTokenRequired() gin.HandlerFunc {
	expected := strings.TrimSpace(s.cfg.InternalAPIToken)
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}
		got := strings.TrimSpace(c.GetHeader(HeaderInternalToken))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
