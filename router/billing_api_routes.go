package router

import (
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Calcium-Ion/go-epay/epay"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	stripeCheckout "github.com/stripe/stripe-go/v81/checkout/session"

	"chatquota/internal/quota"
	"chatquota/internal/store"
)

type billingTopupOrderView struct {
	ID         int64  `json:"id"`
	AmountCNY  string `json:"amount_cny"`
	TokenGrant int64  `json:"token_grant"`
	TurnGrant  int64  `json:"turn_grant"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	PaidAt     string `json:"paid_at,omitempty"`
}

type billingTopupPageResponse struct {
	TopupMinCNY           string                  `json:"topup_min_cny"`
	ExtensionPackCNY      string                  `json:"extension_pack_cny"`
	ExtensionPackTokens   int64                   `json:"extension_pack_tokens"`
	ExtensionPackTurns    int64                   `json:"extension_pack_turns"`
	PurchasedTokenBalance int64                   `json:"purchased_token_balance"`
	PurchasedTurnBalance  int64                   `json:"purchased_turn_balance"`
	TopupOrders           []billingTopupOrderView `json:"topup_orders"`
}

func setBillingAPIRoutes(r gin.IRoutes, opts Options) {
	r.GET("/billing/topup", billingTopupPageHandler(opts))
	r.POST("/billing/topup/create", billingCreateTopupOrderHandler(opts))
	r.POST("/billing/topup/:order_id/pay", billingStartPaymentHandler(opts))
	r.POST("/billing/topup/:order_id/cancel", billingCancelTopupOrderHandler(opts))
}

func billingTopupPageHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Store == nil {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "充值功能未启用（无持久化存储）"})
			return
		}
		accountID := strings.TrimSpace(c.Query("accountId"))
		if accountID == "" {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "参数错误"})
			return
		}

		rec, err := opts.Meter.Snapshot(c.Request.Context(), accountID)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "配额查询失败"})
			return
		}
		orders, err := opts.Store.ListTopupOrdersByAccount(c.Request.Context(), accountID, 50)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "订单查询失败"})
			return
		}
		views := make([]billingTopupOrderView, 0, len(orders))
		for _, o := range orders {
			views = append(views, topupOrderView(o))
		}

		resp := billingTopupPageResponse{
			TopupMinCNY:           formatCNY(opts.Pricing.MinTopupCNY),
			ExtensionPackCNY:      formatCNY(opts.Pricing.ExtensionPackCNY),
			PurchasedTokenBalance: rec.PurchasedTokenBalance,
			PurchasedTurnBalance:  rec.PurchasedTurnBalance,
			TopupOrders:           views,
		}
		if grant, err := opts.Cost.ExtensionForTopupCNY(opts.Pricing.ExtensionPackCNY); err == nil {
			resp.ExtensionPackTokens = grant.Tokens
			resp.ExtensionPackTurns = grant.Turns
		}

		c.JSON(http.StatusOK, gin.H{"success": true, "message": "", "data": resp})
	}
}

func billingCreateTopupOrderHandler(opts Options) gin.HandlerFunc {
	type reqBody struct {
		AccountID string `json:"accountId"`
		AmountCNY string `json:"amount_cny"`
	}
	return func(c *gin.Context) {
		if opts.Store == nil {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "充值功能未启用（无持久化存储）"})
			return
		}
		var req reqBody
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.AccountID) == "" {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "参数错误"})
			return
		}
		amountCNY, ok := parseCNYAmount(req.AmountCNY)
		if !ok || amountCNY.LessThan(opts.Pricing.MinTopupCNY) {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "充值金额不合法（最低 " + formatCNY(opts.Pricing.MinTopupCNY) + " 元）"})
			return
		}

		// 下单时即按当前定价锁定授予额度，后续支付回调不再重新计价。
		grant, err := opts.Cost.ExtensionForTopupCNY(amountCNY)
		if err != nil || grant.Turns <= 0 {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "充值金额过小，无法兑换额度"})
			return
		}

		o, err := opts.Store.CreateTopupOrder(c.Request.Context(), strings.TrimSpace(req.AccountID), amountCNY, grant.Tokens, grant.Turns, time.Now())
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "下单失败：" + err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "订单已创建，请选择支付方式",
			"data": gin.H{
				"order_id":    o.ID,
				"token_grant": o.TokenGrant,
				"turn_grant":  o.TurnGrant,
			},
		})
	}
}

func billingStartPaymentHandler(opts Options) gin.HandlerFunc {
	type reqBody struct {
		AccountID string `json:"accountId"`
		Channel   string `json:"channel"`
		EPayType  string `json:"epay_type"`
	}
	return func(c *gin.Context) {
		if opts.Store == nil {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "充值功能未启用（无持久化存储）"})
			return
		}
		orderID, err := strconv.ParseInt(strings.TrimSpace(c.Param("order_id")), 10, 64)
		if err != nil || orderID <= 0 {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "参数错误"})
			return
		}
		var req reqBody
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.AccountID) == "" {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "参数错误"})
			return
		}

		o, err := opts.Store.GetTopupOrderByID(c.Request.Context(), orderID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Not Found"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "订单查询失败"})
			return
		}
		if o.AccountID != strings.TrimSpace(req.AccountID) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Not Found"})
			return
		}
		if o.Status != store.TopupOrderStatusPending {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "订单状态不可支付"})
			return
		}

		ref := "topup_" + strconv.FormatInt(o.ID, 10)
		orderTitle := "额度充值 " + formatCNY(o.AmountCNY) + " 元"
		baseURL := strings.TrimRight(opts.PublicBaseURL, "/")

		switch strings.ToLower(strings.TrimSpace(req.Channel)) {
		case "stripe":
			secretKey := strings.TrimSpace(opts.Payment.Stripe.SecretKey)
			if secretKey == "" || strings.TrimSpace(opts.Payment.Stripe.WebhookSecret) == "" {
				c.JSON(http.StatusOK, gin.H{"success": false, "message": "Stripe 渠道未配置或不可用"})
				return
			}
			unitAmount, ok := cnyToMinorUnits(o.AmountCNY)
			if !ok || unitAmount <= 0 {
				c.JSON(http.StatusOK, gin.H{"success": false, "message": "订单金额不合法"})
				return
			}
			currency := strings.ToLower(strings.TrimSpace(opts.Payment.Stripe.Currency))
			if currency == "" {
				currency = "cny"
			}

			stripe.Key = secretKey

			exp := time.Now().Add(2 * time.Hour).Unix()
			params := &stripe.CheckoutSessionParams{
				SuccessURL:        stripe.String(baseURL + "/billing/topup?paid=1"),
				CancelURL:         stripe.String(baseURL + "/billing/topup"),
				Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
				ClientReferenceID: stripe.String(ref),
				ExpiresAt:         stripe.Int64(exp),
				LineItems: []*stripe.CheckoutSessionLineItemParams{
					{
						PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
							Currency:   stripe.String(currency),
							UnitAmount: stripe.Int64(unitAmount),
							ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
								Name: stripe.String(orderTitle),
							},
						},
						Quantity: stripe.Int64(1),
					},
				},
			}
			sess, err := stripeCheckout.New(params)
			if err != nil || strings.TrimSpace(sess.URL) == "" {
				c.JSON(http.StatusOK, gin.H{"success": false, "message": "创建 Stripe 支付失败"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "message": "", "data": gin.H{"redirect_url": sess.URL}})
		case "epay":
			ep := opts.Payment.EPay
			if strings.TrimSpace(ep.Gateway) == "" || strings.TrimSpace(ep.PartnerID) == "" || strings.TrimSpace(ep.Key) == "" {
				c.JSON(http.StatusOK, gin.H{"success": false, "message": "EPay 渠道未配置或不可用"})
				return
			}
			epayType := strings.TrimSpace(req.EPayType)
			if epayType == "" {
				epayType = "alipay"
			}
			switch epayType {
			case "alipay", "wxpay", "qqpay":
			default:
				c.JSON(http.StatusOK, gin.H{"success": false, "message": "EPay 支付类型不支持"})
				return
			}

			client, err := epay.NewClient(&epay.Config{
				PartnerID: strings.TrimSpace(ep.PartnerID),
				Key:       strings.TrimSpace(ep.Key),
			}, strings.TrimSpace(ep.Gateway))
			if err != nil {
				c.JSON(http.StatusOK, gin.H{"success": false, "message": "EPay 配置错误"})
				return
			}

			notifyURL, err := url.Parse(baseURL + "/api/pay/epay/notify")
			if err != nil {
				c.JSON(http.StatusOK, gin.H{"success": false, "message": "回调 URL 配置错误"})
				return
			}
			returnURL, err := url.Parse(baseURL + "/billing/topup")
			if err != nil {
				c.JSON(http.StatusOK, gin.H{"success": false, "message": "回跳 URL 配置错误"})
				return
			}

			purchaseURL, params, err := client.Purchase(&epay.PurchaseArgs{
				Type:           epayType,
				ServiceTradeNo: ref,
				Name:           orderTitle,
				Money:          o.AmountCNY.Truncate(quota.CNYScale).StringFixed(quota.CNYScale),
				Device:         epay.PC,
				NotifyUrl:      notifyURL,
				ReturnUrl:      returnURL,
			})
			if err != nil {
				c.JSON(http.StatusOK, gin.H{"success": false, "message": "创建 EPay 支付失败"})
				return
			}

			u, err := url.Parse(purchaseURL)
			if err != nil {
				c.JSON(http.StatusOK, gin.H{"success": false, "message": "创建 EPay 支付失败"})
				return
			}
			q := u.Query()
			for k, v := range params {
				q.Set(k, v)
			}
			u.RawQuery = q.Encode()

			c.JSON(http.StatusOK, gin.H{"success": true, "message": "", "data": gin.H{"redirect_url": u.String()}})
		default:
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "支付渠道类型不支持"})
		}
	}
}

func billingCancelTopupOrderHandler(opts Options) gin.HandlerFunc {
	type reqBody struct {
		AccountID string `json:"accountId"`
	}
	return func(c *gin.Context) {
		if opts.Store == nil {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "充值功能未启用（无持久化存储）"})
			return
		}
		orderID, err := strconv.ParseInt(strings.TrimSpace(c.Param("order_id")), 10, 64)
		if err != nil || orderID <= 0 {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "参数错误"})
			return
		}
		var req reqBody
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.AccountID) == "" {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "参数错误"})
			return
		}

		if err := opts.Store.CancelTopupOrderByAccount(c.Request.Context(), strings.TrimSpace(req.AccountID), orderID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Not Found"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "取消失败：" + err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "订单已取消"})
	}
}

func topupOrderView(o store.TopupOrder) billingTopupOrderView {
	status := "未知"
	switch o.Status {
	case store.TopupOrderStatusPending:
		status = "待支付"
	case store.TopupOrderStatusPaid:
		status = "已入账"
	case store.TopupOrderStatusCanceled:
		status = "已取消"
	}
	v := billingTopupOrderView{
		ID:         o.ID,
		AmountCNY:  formatCNY(o.AmountCNY),
		TokenGrant: o.TokenGrant,
		TurnGrant:  o.TurnGrant,
		Status:     status,
		CreatedAt:  o.CreatedAt.Format("2006-01-02 15:04"),
	}
	if o.PaidAt != nil {
		v.PaidAt = o.PaidAt.Format("2006-01-02 15:04")
	}
	return v
}

func formatCNY(d decimal.Decimal) string {
	return d.Truncate(quota.CNYScale).String()
}

func parseCNYAmount(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "¥")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	if d.Exponent() < -quota.CNYScale {
		return decimal.Zero, false
	}
	return d.Truncate(quota.CNYScale), true
}

func cnyToMinorUnits(cny decimal.Decimal) (int64, bool) {
	if cny.IsNegative() {
		return 0, false
	}
	if cny.Exponent() < -quota.CNYScale {
		return 0, false
	}
	scaled := cny.Truncate(quota.CNYScale).Shift(quota.CNYScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, false
	}
	n := scaled.IntPart()
	if !decimal.NewFromInt(n).Equal(scaled) {
		return 0, false
	}
	return n, true
}
