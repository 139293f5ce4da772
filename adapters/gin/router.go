// Package authgin is the HTTP boundary: it terminates the forward-auth
// requests coming from the reverse proxy, hands them to the evaluator, and
// maps decisions onto status codes and headers. All policy lives below it.
package authgin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jwtgate/jwtgate/validator"
)

// Options configures the router.
type Options struct {
	Logger logrus.FieldLogger

	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler
}

// New builds the service router around a validator store.
//
// The proxy names the target validator with the trailing path segment of
// /auth/:validator; which segment the proxy sends is its own configuration
// concern.
func New(store *validator.Store, opts Options) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.RedirectTrailingSlash = true
	r.Use(gin.Recovery(), RequestID(), AccessLog(log))

	h := &authHandler{store: store}
	r.GET("/auth", h.list)
	r.Any("/auth/:validator", h.evaluate)

	p := &probeHandler{store: store}
	r.GET("/healthz", p.healthz)
	r.GET("/readyz", p.readyz)

	if opts.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	return r
}
