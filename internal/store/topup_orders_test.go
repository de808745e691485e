package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"chatquota/internal/store"
)

func TestTopupOrders_PaidGrantsQuota(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := mustParse(t, "2025-03-10T12:00:00Z")

	o, err := st.CreateTopupOrder(ctx, "acct-1", decimal.NewFromInt(500), 6363600, 21212, now)
	if err != nil {
		t.Fatalf("CreateTopupOrder: %v", err)
	}
	if o.ID <= 0 || o.Status != store.TopupOrderStatusPending {
		t.Fatalf("订单初始状态不符: %+v", o)
	}

	method := "stripe"
	ref := "evt_123"
	if err := st.MarkTopupOrderPaidAndGrant(ctx, o.ID, &method, &ref, now); err != nil {
		t.Fatalf("MarkTopupOrderPaidAndGrant: %v", err)
	}

	got, err := st.GetTopupOrderByID(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetTopupOrderByID: %v", err)
	}
	if got.Status != store.TopupOrderStatusPaid || got.PaidAt == nil {
		t.Fatalf("订单未置为已支付: %+v", got)
	}
	if got.PaidMethod == nil || *got.PaidMethod != "stripe" {
		t.Fatalf("支付方式未记录: %+v", got)
	}

	rec, err := st.GetOrCreateQuotaRecord(ctx, "acct-1", now)
	if err != nil {
		t.Fatalf("GetOrCreateQuotaRecord: %v", err)
	}
	if rec.PurchasedTokenBalance != 6363600 || rec.PurchasedTurnBalance != 21212 {
		t.Fatalf("入账额度不符: %+v", rec)
	}

	// 重复回调不应重复入账。
	if err := st.MarkTopupOrderPaidAndGrant(ctx, o.ID, &method, &ref, now); err != nil {
		t.Fatalf("MarkTopupOrderPaidAndGrant (重复): %v", err)
	}
	rec, err = st.GetOrCreateQuotaRecord(ctx, "acct-1", now)
	if err != nil {
		t.Fatalf("GetOrCreateQuotaRecord: %v", err)
	}
	if rec.PurchasedTokenBalance != 6363600 {
		t.Fatalf("重复回调导致重复入账: %+v", rec)
	}
}

func TestTopupOrders_CanceledOrderDoesNotGrant(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := mustParse(t, "2025-03-10T12:00:00Z")

	o, err := st.CreateTopupOrder(ctx, "acct-1", decimal.NewFromInt(100), 1272600, 4242, now)
	if err != nil {
		t.Fatalf("CreateTopupOrder: %v", err)
	}
	if err := st.CancelTopupOrderByAccount(ctx, "acct-1", o.ID); err != nil {
		t.Fatalf("CancelTopupOrderByAccount: %v", err)
	}
	// 取消幂等。
	if err := st.CancelTopupOrderByAccount(ctx, "acct-1", o.ID); err != nil {
		t.Fatalf("CancelTopupOrderByAccount (2): %v", err)
	}

	method := "epay"
	ref := "trade-1"
	err = st.MarkTopupOrderPaidAndGrant(ctx, o.ID, &method, &ref, now)
	if !errors.Is(err, store.ErrOrderCanceled) {
		t.Fatalf("已取消订单的回调应返回 ErrOrderCanceled, got %v", err)
	}

	rec, err := st.GetOrCreateQuotaRecord(ctx, "acct-1", now)
	if err != nil {
		t.Fatalf("GetOrCreateQuotaRecord: %v", err)
	}
	if rec.PurchasedTokenBalance != 0 || rec.PurchasedTurnBalance != 0 {
		t.Fatalf("已取消订单不应入账: %+v", rec)
	}

	// 支付元信息应被留档。
	got, err := st.GetTopupOrderByID(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetTopupOrderByID: %v", err)
	}
	if got.PaidRef == nil || *got.PaidRef != "trade-1" {
		t.Fatalf("支付元信息未留档: %+v", got)
	}
}

func TestTopupOrders_CancelPaidOrderRejected(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := mustParse(t, "2025-03-10T12:00:00Z")

	o, err := st.CreateTopupOrder(ctx, "acct-1", decimal.NewFromInt(50), 636300, 2121, now)
	if err != nil {
		t.Fatalf("CreateTopupOrder: %v", err)
	}
	if err := st.MarkTopupOrderPaidAndGrant(ctx, o.ID, nil, nil, now); err != nil {
		t.Fatalf("MarkTopupOrderPaidAndGrant: %v", err)
	}
	if err := st.CancelTopupOrderByAccount(ctx, "acct-1", o.ID); err == nil {
		t.Fatalf("已支付订单不应可取消")
	}
}

func TestTopupOrders_ListByAccount(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := mustParse(t, "2025-03-10T12:00:00Z")

	for i := 0; i < 3; i++ {
		if _, err := st.CreateTopupOrder(ctx, "acct-1", decimal.NewFromInt(10), 127200, 424, now); err != nil {
			t.Fatalf("CreateTopupOrder: %v", err)
		}
	}
	if _, err := st.CreateTopupOrder(ctx, "acct-2", decimal.NewFromInt(10), 127200, 424, now); err != nil {
		t.Fatalf("CreateTopupOrder: %v", err)
	}

	orders, err := st.ListTopupOrdersByAccount(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("ListTopupOrdersByAccount: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("订单数量不符: got %d want 3", len(orders))
	}
	// 按 id 倒序。
	if orders[0].ID < orders[1].ID {
		t.Fatalf("订单应按 id 倒序: %+v", orders)
	}

	if _, err := st.GetTopupOrderByID(ctx, 9999); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("不存在的订单应返回 sql.ErrNoRows, got %v", err)
	}
}
