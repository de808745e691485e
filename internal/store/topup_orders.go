package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"chatquota/internal/obs"
	"chatquota/internal/quota"
)

const (
	TopupOrderStatusPending  = 0
	TopupOrderStatusPaid     = 1
	TopupOrderStatusCanceled = 2
)

func (s *Store) CreateTopupOrder(ctx context.Context, accountID string, amountCNY decimal.Decimal, tokenGrant, turnGrant int64, now time.Time) (TopupOrder, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return TopupOrder{}, errors.New("account_id 不能为空")
	}
	amountCNY = amountCNY.Truncate(quota.CNYScale)
	if amountCNY.LessThanOrEqual(decimal.Zero) {
		return TopupOrder{}, errors.New("充值金额不合法")
	}
	if tokenGrant <= 0 || turnGrant <= 0 {
		return TopupOrder{}, errors.New("充值额度不合法")
	}
	if now.IsZero() {
		now = time.Now()
	}

	o := TopupOrder{
		AccountID:  accountID,
		AmountCNY:  amountCNY,
		TokenGrant: tokenGrant,
		TurnGrant:  turnGrant,
		Status:     TopupOrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO topup_orders(account_id, amount_cny, token_grant, turn_grant, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, o.AccountID, o.AmountCNY, o.TokenGrant, o.TurnGrant, o.Status)
	if err != nil {
		return TopupOrder{}, fmt.Errorf("创建 topup_order 失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return TopupOrder{}, fmt.Errorf("获取 topup_order id 失败: %w", err)
	}
	o.ID = id
	return o, nil
}

func (s *Store) GetTopupOrderByID(ctx context.Context, orderID int64) (TopupOrder, error) {
	var o TopupOrder
	var paidAt sql.NullTime
	var paidMethod sql.NullString
	var paidRef sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT id, account_id, amount_cny, token_grant, turn_grant, status, paid_at, paid_method, paid_ref, created_at, updated_at
FROM topup_orders
WHERE id=?
`, orderID).Scan(
		&o.ID, &o.AccountID, &o.AmountCNY, &o.TokenGrant, &o.TurnGrant, &o.Status, &paidAt, &paidMethod, &paidRef, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TopupOrder{}, sql.ErrNoRows
		}
		return TopupOrder{}, fmt.Errorf("查询 topup_order 失败: %w", err)
	}
	o.AmountCNY = o.AmountCNY.Truncate(quota.CNYScale)
	fillTopupOrderNullables(&o, paidAt, paidMethod, paidRef)
	return o, nil
}

func (s *Store) ListTopupOrdersByAccount(ctx context.Context, accountID string, limit int) ([]TopupOrder, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, amount_cny, token_grant, turn_grant, status, paid_at, paid_method, paid_ref, created_at, updated_at
FROM topup_orders
WHERE account_id=?
ORDER BY id DESC
LIMIT ?
`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询 topup_orders 失败: %w", err)
	}
	defer rows.Close()

	var out []TopupOrder
	for rows.Next() {
		var o TopupOrder
		var paidAt sql.NullTime
		var paidMethod sql.NullString
		var paidRef sql.NullString
		if err := rows.Scan(
			&o.ID, &o.AccountID, &o.AmountCNY, &o.TokenGrant, &o.TurnGrant, &o.Status,
			&paidAt, &paidMethod, &paidRef,
			&o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("扫描 topup_orders 失败: %w", err)
		}
		o.AmountCNY = o.AmountCNY.Truncate(quota.CNYScale)
		fillTopupOrderNullables(&o, paidAt, paidMethod, paidRef)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 topup_orders 失败: %w", err)
	}
	return out, nil
}

// MarkTopupOrderPaidAndGrant 把订单置为已支付并在同一事务内给账号入账。
// 幂等：重复回调对已支付订单不再次入账；已取消订单记录支付元信息后返回
// ErrOrderCanceled，便于后续人工退款处理。
func (s *Store) MarkTopupOrderPaidAndGrant(ctx context.Context, orderID int64, paidMethod, paidRef *string, paidAt time.Time) error {
	if orderID <= 0 {
		return errors.New("order_id 不能为空")
	}
	if !s.hasPolicy {
		return errors.New("配额策略未初始化")
	}
	if paidAt.IsZero() {
		paidAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var o TopupOrder
	var status int
	qOrder := `
SELECT id, account_id, token_grant, turn_grant, status
FROM topup_orders
WHERE id=?
` + forUpdateClause(s.dialect)
	err = tx.QueryRowContext(ctx, qOrder, orderID).Scan(&o.ID, &o.AccountID, &o.TokenGrant, &o.TurnGrant, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.New("订单不存在")
		}
		return fmt.Errorf("查询订单失败: %w", err)
	}
	if status == TopupOrderStatusCanceled {
		// 订单已取消：不入账，但会尽量记录支付元信息，便于后续人工退款处理。
		if _, err := tx.ExecContext(ctx, `
UPDATE topup_orders
SET paid_at=COALESCE(paid_at, ?),
    paid_method=COALESCE(paid_method, ?),
    paid_ref=COALESCE(paid_ref, ?),
    updated_at=CURRENT_TIMESTAMP
WHERE id=?
`, paidAt, paidMethod, paidRef, o.ID); err != nil {
			return fmt.Errorf("更新订单失败: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("提交事务失败: %w", err)
		}
		return ErrOrderCanceled
	}
	if status == TopupOrderStatusPaid {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE topup_orders
SET status=?, paid_at=?, paid_method=?, paid_ref=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?
`, TopupOrderStatusPaid, paidAt, paidMethod, paidRef, o.ID); err != nil {
		return fmt.Errorf("更新订单失败: %w", err)
	}

	if err := s.seedQuotaRecordTx(ctx, tx, o.AccountID, paidAt); err != nil {
		return err
	}
	if _, err := s.resetQuotaMonthTx(ctx, tx, o.AccountID, paidAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE quota_records
SET purchased_token_balance=purchased_token_balance+?, purchased_turn_balance=purchased_turn_balance+?, updated_at=CURRENT_TIMESTAMP
WHERE account_id=?
`, o.TokenGrant, o.TurnGrant, o.AccountID); err != nil {
		return fmt.Errorf("入账失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	obs.RecordTopupGrant()
	return nil
}

func (s *Store) CancelTopupOrderByAccount(ctx context.Context, accountID string, orderID int64) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return errors.New("account_id 不能为空")
	}
	if orderID <= 0 {
		return errors.New("order_id 不能为空")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status int
	qStatus := `
SELECT status
FROM topup_orders
WHERE id=? AND account_id=?
` + forUpdateClause(s.dialect)
	if err := tx.QueryRowContext(ctx, qStatus, orderID, accountID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("查询订单失败: %w", err)
	}

	switch status {
	case TopupOrderStatusPending:
		if _, err := tx.ExecContext(ctx, `
UPDATE topup_orders
SET status=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND account_id=?
`, TopupOrderStatusCanceled, orderID, accountID); err != nil {
			return fmt.Errorf("更新订单失败: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("提交事务失败: %w", err)
		}
		return nil
	case TopupOrderStatusCanceled:
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("提交事务失败: %w", err)
		}
		return nil
	default:
		return errors.New("订单状态不可取消")
	}
}

func fillTopupOrderNullables(o *TopupOrder, paidAt sql.NullTime, paidMethod, paidRef sql.NullString) {
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}
	if paidMethod.Valid {
		v := strings.TrimSpace(paidMethod.String)
		if v != "" {
			o.PaidMethod = &v
		}
	}
	if paidRef.Valid {
		v := strings.TrimSpace(paidRef.String)
		if v != "" {
			o.PaidRef = &v
		}
	}
}
