package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatquota/internal/obs"
)

// Meter 是配额准入的门面：校验参数、换算 turn 成本、委托存储层做原子扣减，
// 并在结果上补齐调用方需要的免费/付费拆分。线性化由 RecordStore 保证。
type Meter struct {
	store RecordStore
	cost  CostModel

	// nowFunc 仅供测试注入；为 nil 时使用 time.Now。
	nowFunc func() time.Time
}

func NewMeter(store RecordStore, cost CostModel) *Meter {
	return &Meter{store: store, cost: cost}
}

func (m *Meter) now() time.Time {
	if m.nowFunc != nil {
		return m.nowFunc()
	}
	return time.Now()
}

// ConsumeResult 是一次准入判定的完整结果。
// Allowed 为 false 时 Denial 非 nil，Record 为未扣减的当前快照。
type ConsumeResult struct {
	Allowed bool
	Denial  *Denial
	Record  Record

	// TurnCost 是本次请求折算的 turn 数，CreditCost 是对应的积分估价。
	TurnCost   int64
	CreditCost int64

	// 扣减的免费/付费拆分（仅 Allowed 时有意义）。
	UsedFreeTokens int64
	UsedPaidTokens int64
}

// TryConsume 对一次拟发生的模型调用做准入判定并原子扣减。
// 判定顺序固定：先 turn 上限、后 token 余额；任一不足则整体拒绝、不产生扣减。
func (m *Meter) TryConsume(ctx context.Context, accountID string, proposedTokens int64, precise bool) (ConsumeResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		obs.RecordAdmissionInvalid()
		return ConsumeResult{}, fmt.Errorf("%w: account_id 不能为空", ErrInvalidInput)
	}
	if proposedTokens < 0 {
		obs.RecordAdmissionInvalid()
		return ConsumeResult{}, fmt.Errorf("%w: proposed_tokens 不能为负数", ErrInvalidInput)
	}

	turnCost := m.cost.TurnsFromTokens(proposedTokens)
	creditCost, err := m.cost.TurnCreditCost(proposedTokens, precise)
	if err != nil {
		obs.RecordAdmissionInvalid()
		return ConsumeResult{}, err
	}

	out, err := m.store.ConsumeQuota(ctx, accountID, proposedTokens, turnCost, m.now())
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("配额扣减失败: %w", err)
	}

	res := ConsumeResult{
		Record:     out.Record,
		TurnCost:   turnCost,
		CreditCost: creditCost,
	}
	if out.Denial != nil {
		res.Denial = out.Denial
		switch out.Denial.Code {
		case DenyInsufficientTurns:
			obs.RecordAdmissionDeniedTurns()
		case DenyInsufficientTokens:
			obs.RecordAdmissionDeniedTokens()
		}
		return res, nil
	}

	res.Allowed = true
	res.UsedFreeTokens, res.UsedPaidTokens = splitFreePaid(out.Record, proposedTokens)
	obs.RecordAdmissionAllowed()
	return res, nil
}

// splitFreePaid 从扣减后的快照反推本次消耗的免费/付费拆分：
// 免费额度先于付费余额被消耗。
func splitFreePaid(rec Record, consumed int64) (free, paid int64) {
	usedBefore := rec.UsedTokens - consumed
	free = rec.FreeTokenAllowance - usedBefore
	if free < 0 {
		free = 0
	}
	if free > consumed {
		free = consumed
	}
	return free, consumed - free
}

// Snapshot 返回账号当前计费月的规整快照，账号不存在时按默认策略创建。
func (m *Meter) Snapshot(ctx context.Context, accountID string) (Record, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Record{}, fmt.Errorf("%w: account_id 不能为空", ErrInvalidInput)
	}
	rec, err := m.store.GetOrCreateQuotaRecord(ctx, accountID, m.now())
	if err != nil {
		return Record{}, fmt.Errorf("查询配额记录失败: %w", err)
	}
	return rec, nil
}

// Grant 给账号追加购买配额（充值入账路径）。
func (m *Meter) Grant(ctx context.Context, accountID string, tokens, turns int64) (Record, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Record{}, fmt.Errorf("%w: account_id 不能为空", ErrInvalidInput)
	}
	if tokens < 0 || turns < 0 {
		return Record{}, fmt.Errorf("%w: 授予额度不能为负数", ErrInvalidInput)
	}
	rec, err := m.store.GrantPurchasedQuota(ctx, accountID, tokens, turns, m.now())
	if err != nil {
		return Record{}, fmt.Errorf("配额入账失败: %w", err)
	}
	return rec, nil
}
