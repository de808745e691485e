package router

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

func SetRouter(r *gin.Engine, opts Options) {
	setSystemRoutes(r, opts)
	// 数据面路由挂在根路径，响应结构是对外契约的一部分，不走 /api 信封。
	setQuotaRoutes(r, opts)

	api := r.Group("/api")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	setBillingAPIRoutes(api, opts)

	// 支付回调需要原始请求体做验签，不经过 gzip 分组。
	r.POST("/api/pay/stripe/webhook", wrapHTTPFunc(opts.StripeWebhook))
	r.GET("/api/pay/epay/notify", wrapHTTPFunc(opts.EPayNotify))
	r.POST("/api/pay/epay/notify", wrapHTTPFunc(opts.EPayNotify))
}
