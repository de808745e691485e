package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Calcium-Ion/go-epay/epay"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	stripeWebhook "github.com/stripe/stripe-go/v81/webhook"

	"chatquota/internal/quota"
	"chatquota/internal/store"
)

// 支付回调按订单入账：订单创建时已锁定授予额度，回调只核对金额、
// 标记已支付并触发入账，重复回调由存储层幂等化。

func parseTopupOrderRef(ref string) (int64, bool) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "topup_") {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(ref, "topup_"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func parseCNY(raw string) (decimal.Decimal, bool) {
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
	return scaled.IntPart(), true
}

func (a *App) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.NotFound(w, r)
		return
	}
	webhookSecret := strings.TrimSpace(a.cfg.Payment.Stripe.WebhookSecret)
	if webhookSecret == "" {
		http.NotFound(w, r)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil || len(payload) == 0 {
		http.Error(w, "请求体为空", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := stripeWebhook.ConstructEventWithOptions(payload, signature, webhookSecret, stripeWebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		http.Error(w, "验签失败", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		ref := strings.TrimSpace(event.GetObjectValue("client_reference_id"))
		status := strings.TrimSpace(event.GetObjectValue("status"))
		if status != "complete" {
			break
		}
		orderID, ok := parseTopupOrderRef(ref)
		if !ok {
			break
		}
		amountTotal, err := strconv.ParseInt(strings.TrimSpace(event.GetObjectValue("amount_total")), 10, 64)
		if err != nil || amountTotal <= 0 {
			break
		}
		currency := strings.ToLower(strings.TrimSpace(a.cfg.Payment.Stripe.Currency))
		if currency == "" {
			currency = "cny"
		}
		eventCurrency := strings.ToLower(strings.TrimSpace(event.GetObjectValue("currency")))
		if eventCurrency != "" && eventCurrency != currency {
			break
		}

		o, err := a.store.GetTopupOrderByID(r.Context(), orderID)
		if err != nil {
			break
		}
		expected, ok := cnyToMinorUnits(o.AmountCNY)
		if !ok || expected != amountTotal {
			break
		}

		paidMethod := "stripe"
		paidRef := strings.TrimSpace(event.GetObjectValue("id")) // Checkout Session ID
		var paidRefPtr *string
		if paidRef != "" {
			paidRefPtr = &paidRef
		}
		if err := a.store.MarkTopupOrderPaidAndGrant(r.Context(), orderID, &paidMethod, paidRefPtr, time.Now()); err != nil {
			if errors.Is(err, store.ErrOrderCanceled) {
				break
			}
			http.Error(w, "处理失败", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (a *App) handleEPayNotify(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.NotFound(w, r)
		return
	}
	ep := a.cfg.Payment.EPay
	if strings.TrimSpace(ep.Gateway) == "" || strings.TrimSpace(ep.PartnerID) == "" || strings.TrimSpace(ep.Key) == "" {
		http.NotFound(w, r)
		return
	}

	client, err := epay.NewClient(&epay.Config{
		PartnerID: strings.TrimSpace(ep.PartnerID),
		Key:       strings.TrimSpace(ep.Key),
	}, strings.TrimSpace(ep.Gateway))
	if err != nil {
		http.Error(w, "配置错误", http.StatusInternalServerError)
		return
	}

	params := make(map[string]string)
	q := r.URL.Query()
	for k := range q {
		params[k] = q.Get(k)
	}

	verifyInfo, err := client.Verify(params)
	if err != nil || !verifyInfo.VerifyStatus {
		_, _ = w.Write([]byte("fail"))
		return
	}
	_, _ = w.Write([]byte("success"))

	if verifyInfo.TradeStatus != epay.StatusTradeSuccess {
		return
	}

	orderID, ok := parseTopupOrderRef(verifyInfo.ServiceTradeNo)
	if !ok {
		return
	}

	paidCNY, ok := parseCNY(verifyInfo.Money)
	if !ok || paidCNY.LessThanOrEqual(decimal.Zero) {
		return
	}
	o, err := a.store.GetTopupOrderByID(r.Context(), orderID)
	if err != nil {
		return
	}
	if !paidCNY.Equal(o.AmountCNY.Truncate(quota.CNYScale)) {
		return
	}

	paidMethod := "epay"
	paidRef := strings.TrimSpace(verifyInfo.TradeNo)
	var paidRefPtr *string
	if paidRef != "" {
		paidRefPtr = &paidRef
	}
	_ = a.store.MarkTopupOrderPaidAndGrant(r.Context(), orderID, &paidMethod, paidRefPtr, time.Now())
}
