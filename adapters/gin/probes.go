package authgin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwtgate/jwtgate/validator"
)

type probeHandler struct {
	store *validator.Store
}

func (p *probeHandler) healthz(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (p *probeHandler) readyz(c *gin.Context) {
	switch p.store.Status() {
	case validator.StatusRunning:
		c.String(http.StatusOK, "OK")
	case validator.StatusStarting:
		c.String(http.StatusServiceUnavailable, "Starting")
	default:
		c.String(http.StatusInternalServerError, "Faulty configuration")
	}
}
