package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatquota/internal/config"
	"chatquota/internal/quota"
	"chatquota/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chatquota.db") + "?_busy_timeout=1000"

	db, err := store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("EnsureSQLiteSchema: %v", err)
	}
	// 再跑一次，确保幂等。
	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("EnsureSQLiteSchema (2): %v", err)
	}

	st := store.New(db)
	st.SetDialect(store.DialectSQLite)
	st.SetQuotaPolicy(config.QuotaConfig{
		MonthlyFreeTokens: 30000,
		MonthlyFreeTurns:  100,
		TokensPerTurn:     300,
	})
	return st
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("解析时间失败: %v", err)
	}
	return ts
}

func TestQuotaRecords_LazyCreateAndConsume(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := mustParse(t, "2025-03-10T12:00:00Z")

	rec, err := st.GetOrCreateQuotaRecord(ctx, "acct-1", now)
	if err != nil {
		t.Fatalf("GetOrCreateQuotaRecord: %v", err)
	}
	if rec.FreeTokenAllowance != 30000 || rec.FreeTurnAllowance != 100 {
		t.Fatalf("种子额度不符: %+v", rec)
	}
	if rec.UsedTokens != 0 || rec.BillingMonth != "2025-03" {
		t.Fatalf("新记录状态不符: %+v", rec)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Fatalf("created_at/updated_at 未被解析: %+v", rec)
	}

	out, err := st.ConsumeQuota(ctx, "acct-1", 300, 1, now)
	if err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}
	if out.Denial != nil {
		t.Fatalf("余额充足不应拒绝: %+v", out.Denial)
	}
	if out.Record.UsedTokens != 300 || out.Record.UsedTurns != 1 {
		t.Fatalf("扣减后用量不符: %+v", out.Record)
	}
	if got := out.Record.AvailableTokens(); got != 29700 {
		t.Fatalf("剩余 token 不符: got %d want 29700", got)
	}
}

func TestQuotaRecords_DenyInsufficientTokens(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := mustParse(t, "2025-03-10T12:00:00Z")

	if out, err := st.ConsumeQuota(ctx, "acct-1", 29850, 50, now); err != nil || out.Denial != nil {
		t.Fatalf("预置用量失败: %v %+v", err, out.Denial)
	}

	out, err := st.ConsumeQuota(ctx, "acct-1", 300, 1, now)
	if err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}
	if out.Denial == nil {
		t.Fatalf("余额不足应拒绝")
	}
	if out.Denial.Code != quota.DenyInsufficientTokens {
		t.Fatalf("拒绝码不符: %s", out.Denial.Code)
	}
	if out.Denial.Required != 300 || out.Denial.Available != 150 {
		t.Fatalf("拒绝明细不符: %+v", out.Denial)
	}
	if out.Record.UsedTokens != 29850 {
		t.Fatalf("拒绝不应产生扣减: %+v", out.Record)
	}
}

func TestQuotaRecords_TurnCeilingBeforeTokens(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := mustParse(t, "2025-03-10T12:00:00Z")

	// 耗尽 turn 上限但保留大量 token 余额。
	if out, err := st.ConsumeQuota(ctx, "acct-1", 0, 100, now); err != nil || out.Denial != nil {
		t.Fatalf("预置用量失败: %v %+v", err, out.Denial)
	}

	out, err := st.ConsumeQuota(ctx, "acct-1", 300, 1, now)
	if err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}
	if out.Denial == nil || out.Denial.Code != quota.DenyInsufficientTurns {
		t.Fatalf("turn 上限应先于 token 余额判定: %+v", out.Denial)
	}
	if out.Denial.Required != 1 || out.Denial.Available != 0 {
		t.Fatalf("拒绝明细不符: %+v", out.Denial)
	}
}

func TestQuotaRecords_ExactExhaustAllowed(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := mustParse(t, "2025-03-10T12:00:00Z")

	if out, err := st.ConsumeQuota(ctx, "acct-1", 29700, 99, now); err != nil || out.Denial != nil {
		t.Fatalf("预置用量失败: %v %+v", err, out.Denial)
	}
	out, err := st.ConsumeQuota(ctx, "acct-1", 300, 1, now)
	if err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}
	if out.Denial != nil {
		t.Fatalf("恰好耗尽应放行: %+v", out.Denial)
	}
	if out.Record.AvailableTokens() != 0 || out.Record.AvailableTurns() != 0 {
		t.Fatalf("耗尽后余额应为 0: %+v", out.Record)
	}
}

func TestQuotaRecords_MonthRollover(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	dec := mustParse(t, "2024-12-20T00:00:00Z")
	jan := mustParse(t, "2025-01-03T00:00:00Z")

	if _, err := st.GrantPurchasedQuota(ctx, "acct-1", 5000, 10, dec); err != nil {
		t.Fatalf("GrantPurchasedQuota: %v", err)
	}
	if out, err := st.ConsumeQuota(ctx, "acct-1", 600, 2, dec); err != nil || out.Denial != nil {
		t.Fatalf("扣减失败: %v %+v", err, out.Denial)
	}

	rec, err := st.GetOrCreateQuotaRecord(ctx, "acct-1", jan)
	if err != nil {
		t.Fatalf("GetOrCreateQuotaRecord: %v", err)
	}
	if rec.BillingMonth != "2025-01" {
		t.Fatalf("billing_month 未推进: %q", rec.BillingMonth)
	}
	if rec.UsedTokens != 0 || rec.UsedTurns != 0 {
		t.Fatalf("跨月读取应清零用量: %+v", rec)
	}
	if rec.PurchasedTokenBalance != 5000 || rec.PurchasedTurnBalance != 10 {
		t.Fatalf("购买余额不应随月重置: %+v", rec)
	}

	// 幂等：同月再读不应有任何变化。
	again, err := st.GetOrCreateQuotaRecord(ctx, "acct-1", jan)
	if err != nil {
		t.Fatalf("GetOrCreateQuotaRecord (2): %v", err)
	}
	if again.UsedTokens != 0 || again.BillingMonth != "2025-01" {
		t.Fatalf("同月重复读取不应变化: %+v", again)
	}
}

func TestQuotaRecords_ConcurrentConsumeNoDoubleSpend(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := mustParse(t, "2025-03-10T12:00:00Z")

	// 只留恰好一次扣减的余额。
	if out, err := st.ConsumeQuota(ctx, "acct-1", 29700, 99, now); err != nil || out.Denial != nil {
		t.Fatalf("预置用量失败: %v %+v", err, out.Denial)
	}

	const n = 8
	var wg sync.WaitGroup
	allowed := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := st.ConsumeQuota(ctx, "acct-1", 300, 1, now)
			if err != nil {
				t.Errorf("ConsumeQuota: %v", err)
				return
			}
			if out.Denial == nil {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	if got := len(allowed); got != 1 {
		t.Fatalf("并发扣减超卖: %d 次放行, want 1", got)
	}
	rec, err := st.GetOrCreateQuotaRecord(ctx, "acct-1", now)
	if err != nil {
		t.Fatalf("GetOrCreateQuotaRecord: %v", err)
	}
	if rec.UsedTokens != 30000 || rec.UsedTurns != 100 {
		t.Fatalf("并发后账本不一致: %+v", rec)
	}
}

func TestQuotaRecords_AccountsIndependent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := mustParse(t, "2025-03-10T12:00:00Z")

	if out, err := st.ConsumeQuota(ctx, "acct-a", 30000, 100, now); err != nil || out.Denial != nil {
		t.Fatalf("扣减失败: %v %+v", err, out.Denial)
	}
	out, err := st.ConsumeQuota(ctx, "acct-b", 300, 1, now)
	if err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}
	if out.Denial != nil {
		t.Fatalf("其他账号耗尽不应影响本账号: %+v", out.Denial)
	}
}
