package server

import (
	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/middleware"
	"github.com/vyrodovalexey/medgw/internal/proxy"
)

// registerBackend routes the prefix itself and everything beneath it to
// the backend.
func (s *Server) registerBackend(b config.Backend) {
	h := s.dispatch(b.Name, b.Prefix)
	s.engine.Any(b.Prefix, h)
	s.engine.Any(b.Prefix+"/*path", h)
}

func (s *Server) dispatch(name, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := proxy.NewRequestContext(c.Request, name, prefix)
		rc.ClientIP = c.ClientIP()

		outcome := s.dispatcher.Dispatch(c.Writer, c.Request, rc)

		c.Set(middleware.ContextKeyBackend, name)
		c.Set(middleware.ContextKeyOutcome, outcome.String())
		if rc.Err != nil {
			_ = c.Error(rc.Err)
		}
	}
}
