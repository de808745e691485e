package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatquota/internal/obs"
	"chatquota/internal/quota"
)

// 配额记录的读-改-写全部收敛在单个事务里，事务首条语句就是写入
// （种子 INSERT），SQLite 因此在入口处即持有写锁，避免读锁升级死锁；
// MySQL 则依赖行锁与 FOR UPDATE 串行化同账号操作。

func (s *Store) GetOrCreateQuotaRecord(ctx context.Context, accountID string, now time.Time) (quota.Record, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return quota.Record{}, fmt.Errorf("%w: account_id 不能为空", quota.ErrInvalidInput)
	}
	if !s.hasPolicy {
		return quota.Record{}, errors.New("配额策略未初始化")
	}
	if now.IsZero() {
		now = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.Record{}, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.seedQuotaRecordTx(ctx, tx, accountID, now); err != nil {
		return quota.Record{}, err
	}
	didReset, err := s.resetQuotaMonthTx(ctx, tx, accountID, now)
	if err != nil {
		return quota.Record{}, err
	}
	rec, err := s.selectQuotaRecordTx(ctx, tx, accountID, false)
	if err != nil {
		return quota.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return quota.Record{}, fmt.Errorf("提交事务失败: %w", err)
	}
	if didReset {
		obs.RecordBillingMonthReset()
	}
	return rec, nil
}

func (s *Store) ConsumeQuota(ctx context.Context, accountID string, tokens, turns int64, now time.Time) (quota.ConsumeOutcome, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return quota.ConsumeOutcome{}, fmt.Errorf("%w: account_id 不能为空", quota.ErrInvalidInput)
	}
	if tokens < 0 || turns < 0 {
		return quota.ConsumeOutcome{}, fmt.Errorf("%w: 扣减额度不能为负数", quota.ErrInvalidInput)
	}
	if !s.hasPolicy {
		return quota.ConsumeOutcome{}, errors.New("配额策略未初始化")
	}
	if now.IsZero() {
		now = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.ConsumeOutcome{}, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.seedQuotaRecordTx(ctx, tx, accountID, now); err != nil {
		return quota.ConsumeOutcome{}, err
	}
	didReset, err := s.resetQuotaMonthTx(ctx, tx, accountID, now)
	if err != nil {
		return quota.ConsumeOutcome{}, err
	}

	// 带守卫条件的扣减：turn 与 token 余额同时满足才生效，整条语句原子。
	res, err := tx.ExecContext(ctx, `
UPDATE quota_records
SET used_tokens=used_tokens+?, used_turns=used_turns+?, updated_at=CURRENT_TIMESTAMP
WHERE account_id=?
  AND free_turn_allowance+purchased_turn_balance-used_turns >= ?
  AND free_token_allowance+purchased_token_balance-used_tokens >= ?
`, tokens, turns, accountID, turns, tokens)
	if err != nil {
		return quota.ConsumeOutcome{}, fmt.Errorf("扣减配额失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return quota.ConsumeOutcome{}, fmt.Errorf("读取扣减结果失败: %w", err)
	}

	if n == 1 {
		rec, err := s.selectQuotaRecordTx(ctx, tx, accountID, false)
		if err != nil {
			return quota.ConsumeOutcome{}, err
		}
		if err := tx.Commit(); err != nil {
			return quota.ConsumeOutcome{}, fmt.Errorf("提交事务失败: %w", err)
		}
		if didReset {
			obs.RecordBillingMonthReset()
		}
		return quota.ConsumeOutcome{Record: rec}, nil
	}

	// 扣减未生效：重读快照并按固定顺序归因（先 turn 上限、后 token 余额）。
	rec, err := s.selectQuotaRecordTx(ctx, tx, accountID, true)
	if err != nil {
		return quota.ConsumeOutcome{}, err
	}
	denial := &quota.Denial{Code: quota.DenyInsufficientTokens, Required: tokens, Available: rec.AvailableTokens()}
	if avail := rec.AvailableTurns(); avail < turns {
		denial = &quota.Denial{Code: quota.DenyInsufficientTurns, Required: turns, Available: avail}
	}
	if err := tx.Commit(); err != nil {
		return quota.ConsumeOutcome{}, fmt.Errorf("提交事务失败: %w", err)
	}
	if didReset {
		obs.RecordBillingMonthReset()
	}
	return quota.ConsumeOutcome{Record: rec, Denial: denial}, nil
}

func (s *Store) GrantPurchasedQuota(ctx context.Context, accountID string, tokens, turns int64, now time.Time) (quota.Record, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return quota.Record{}, fmt.Errorf("%w: account_id 不能为空", quota.ErrInvalidInput)
	}
	if tokens < 0 || turns < 0 {
		return quota.Record{}, fmt.Errorf("%w: 授予额度不能为负数", quota.ErrInvalidInput)
	}
	if !s.hasPolicy {
		return quota.Record{}, errors.New("配额策略未初始化")
	}
	if now.IsZero() {
		now = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.Record{}, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.seedQuotaRecordTx(ctx, tx, accountID, now); err != nil {
		return quota.Record{}, err
	}
	didReset, err := s.resetQuotaMonthTx(ctx, tx, accountID, now)
	if err != nil {
		return quota.Record{}, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE quota_records
SET purchased_token_balance=purchased_token_balance+?, purchased_turn_balance=purchased_turn_balance+?, updated_at=CURRENT_TIMESTAMP
WHERE account_id=?
`, tokens, turns, accountID); err != nil {
		return quota.Record{}, fmt.Errorf("配额入账失败: %w", err)
	}
	rec, err := s.selectQuotaRecordTx(ctx, tx, accountID, false)
	if err != nil {
		return quota.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return quota.Record{}, fmt.Errorf("提交事务失败: %w", err)
	}
	if didReset {
		obs.RecordBillingMonthReset()
	}
	obs.RecordTopupGrant()
	return rec, nil
}

// seedQuotaRecordTx 惰性创建配额记录（满额免费额度、零用量）。
// 作为事务首条写语句执行，即使记录已存在也能让 SQLite 立即取得写锁。
func (s *Store) seedQuotaRecordTx(ctx context.Context, tx *sql.Tx, accountID string, now time.Time) error {
	stmt := fmt.Sprintf(`
%s INTO quota_records(
  account_id, free_token_allowance, purchased_token_balance, used_tokens,
  free_turn_allowance, purchased_turn_balance, used_turns, billing_month,
  created_at, updated_at
)
VALUES(?, ?, 0, 0, ?, 0, 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, insertIgnoreVerb(s.dialect))
	if _, err := tx.ExecContext(ctx, stmt,
		accountID, s.policy.MonthlyFreeTokens, s.policy.MonthlyFreeTurns, quota.MonthKey(now),
	); err != nil {
		return fmt.Errorf("创建配额记录失败: %w", err)
	}
	return nil
}

// resetQuotaMonthTx 在月份滚动时清零 used 计数并推进 billing_month，
// 购买余额不受影响。返回是否发生了重置。
func (s *Store) resetQuotaMonthTx(ctx context.Context, tx *sql.Tx, accountID string, now time.Time) (bool, error) {
	month := quota.MonthKey(now)
	res, err := tx.ExecContext(ctx, `
UPDATE quota_records
SET used_tokens=0, used_turns=0, billing_month=?, updated_at=CURRENT_TIMESTAMP
WHERE account_id=? AND billing_month<>?
`, month, accountID, month)
	if err != nil {
		return false, fmt.Errorf("配额月度重置失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("读取月度重置结果失败: %w", err)
	}
	return n > 0, nil
}

func (s *Store) selectQuotaRecordTx(ctx context.Context, tx *sql.Tx, accountID string, forUpdate bool) (quota.Record, error) {
	q := `
SELECT account_id, free_token_allowance, purchased_token_balance, used_tokens,
       free_turn_allowance, purchased_turn_balance, used_turns, billing_month,
       created_at, updated_at
FROM quota_records
WHERE account_id=?
`
	if forUpdate {
		q += forUpdateClause(s.dialect)
	}
	var rec quota.Record
	err := tx.QueryRowContext(ctx, q, accountID).Scan(
		&rec.AccountID, &rec.FreeTokenAllowance, &rec.PurchasedTokenBalance, &rec.UsedTokens,
		&rec.FreeTurnAllowance, &rec.PurchasedTurnBalance, &rec.UsedTurns, &rec.BillingMonth,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return quota.Record{}, sql.ErrNoRows
		}
		return quota.Record{}, fmt.Errorf("查询配额记录失败: %w", err)
	}
	return rec, nil
}
