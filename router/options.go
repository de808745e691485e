package router

import (
	"net/http"

	"chatquota/internal/config"
	"chatquota/internal/quota"
	"chatquota/internal/store"
)

type Options struct {
	// Meter 是配额判定入口，必填；Store 仅在 SQL 持久化时非 nil，
	// 充值订单相关路由依赖它。
	Meter *quota.Meter
	Cost  quota.CostModel
	Store *store.Store

	Quota   config.QuotaConfig
	Pricing config.PricingConfig
	Payment config.PaymentConfig

	// PublicBaseURL 用于拼接支付回调/回跳地址。
	PublicBaseURL string

	// system
	Healthz http.HandlerFunc

	// payments/webhooks
	StripeWebhook http.HandlerFunc
	EPayNotify    http.HandlerFunc
}
