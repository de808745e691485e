package router

import (
	"expvar"

	"github.com/gin-gonic/gin"
)

func setSystemRoutes(r *gin.Engine, opts Options) {
	r.GET("/healthz", wrapHTTPFunc(opts.Healthz))
	r.GET("/debug/vars", wrapHTTP(expvar.Handler()))
}
