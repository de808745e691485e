package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func wrapHTTP(h http.Handler) gin.HandlerFunc {
	if h == nil {
		return func(c *gin.Context) {
			c.Status(http.StatusNotFound)
		}
	}

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func wrapHTTPFunc(f http.HandlerFunc) gin.HandlerFunc {
	// 注意 typed-nil：f 为 nil 时需显式传 nil 接口，否则 wrapHTTP 判不出来。
	if f == nil {
		return wrapHTTP(nil)
	}
	return wrapHTTP(f)
}
