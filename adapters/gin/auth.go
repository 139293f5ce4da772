package authgin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwtgate/jwtgate/validator"
)

// denyBody is the constant rejection body. Why a request was denied is for
// the logs, not for whoever sent the token.
const denyBody = "Token could not be validated"

type authHandler struct {
	store *validator.Store
}

// list reports the configured validator names, as text or JSON depending on
// the Accept header.
func (h *authHandler) list(c *gin.Context) {
	names := h.store.Names()

	if c.GetHeader("Accept") == "application/json" {
		c.JSON(http.StatusOK, names)
		return
	}
	if len(names) == 0 {
		c.String(http.StatusOK, "No validators available")
		return
	}
	c.String(http.StatusOK, strings.Join(names, "\n"))
}

// evaluate runs the decision pipeline for one forwarded request.
func (h *authHandler) evaluate(c *gin.Context) {
	name := c.Param("validator")
	dec := h.store.Evaluate(c.Request.Context(), name, c.Request.Header)

	if dec.Allow {
		for k, v := range dec.Headers {
			c.Header(k, v)
		}
		c.String(http.StatusOK, "OK")
		return
	}
	c.String(statusFor(dec.Reason), denyBody)
}

// statusFor maps deny reasons onto rejection codes: algorithm policy
// rejections are a 403 (the token may be genuine but the configuration
// forbids it), everything else is a plain 401.
func statusFor(reason validator.Reason) int {
	if reason == validator.ReasonAlgorithmNotAllowed {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}
