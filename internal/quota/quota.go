// Package quota 实现按月计量的用量账本与准入控制：token 为主记账单位，
// turn 为面向用户的派生单位，免费额度每月重置，购买额度永不过期。
package quota

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidInput 表示参数非法（负数 token、空 account_id 等），在触碰任何记录之前返回。
var ErrInvalidInput = errors.New("参数不合法")

const (
	// USDScale/CNYScale 与存储层的金额精度对齐。
	USDScale = int32(6)
	CNYScale = int32(2)
)

// Record 是一个账号在当前计费月的余额与用量快照，每个账号只有一条权威记录。
// 免费额度按月重置（只清零 used_* 计数），购买余额是独立的不过期台账。
type Record struct {
	AccountID string

	FreeTokenAllowance    int64
	PurchasedTokenBalance int64
	UsedTokens            int64

	FreeTurnAllowance    int64
	PurchasedTurnBalance int64
	UsedTurns            int64

	// BillingMonth 形如 "2025-01"，标识 used_* 计数所属的月份。
	BillingMonth string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r Record) AvailableTokens() int64 {
	return r.FreeTokenAllowance + r.PurchasedTokenBalance - r.UsedTokens
}

func (r Record) AvailableTurns() int64 {
	return r.FreeTurnAllowance + r.PurchasedTurnBalance - r.UsedTurns
}

// MonthKey 返回 now 所在的计费月键（UTC，"2006-01"）。
func MonthKey(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// Normalize 把记录对齐到 now 所在的计费月：月份不一致时清零 used_* 并推进
// BillingMonth，购买余额不受影响；月份一致时原样返回。纯函数，幂等，
// 必须在每次读-改-写之前执行。
func Normalize(rec Record, now time.Time) Record {
	month := MonthKey(now)
	if rec.BillingMonth == month {
		return rec
	}
	rec.UsedTokens = 0
	rec.UsedTurns = 0
	rec.BillingMonth = month
	return rec
}

type DenialCode string

const (
	DenyInsufficientTurns  DenialCode = "INSUFFICIENT_TURNS"
	DenyInsufficientTokens DenialCode = "INSUFFICIENT_TOKENS"
)

// Denial 是一次被拒绝的准入判定，携带调用方渲染扩容引导所需的数据。
type Denial struct {
	Code      DenialCode
	Required  int64
	Available int64
}

// ConsumeOutcome 是一次原子扣减的结果：Denial 为 nil 时 Record 是扣减后的
// 最新快照；否则 Record 是规整后的当前快照（未发生任何扣减）。
type ConsumeOutcome struct {
	Record Record
	Denial *Denial
}

// RecordStore 是配额记录的唯一入口。实现必须保证：
//   - 每次操作前先做月份规整（并持久化跨月重置）；
//   - ConsumeQuota 对同一账号线性化（先检查 turn 上限、再检查 token 上限、
//     再扣减，三步不可与同账号的并发调用交错）；
//   - 不同账号之间互不阻塞。
type RecordStore interface {
	GetOrCreateQuotaRecord(ctx context.Context, accountID string, now time.Time) (Record, error)
	ConsumeQuota(ctx context.Context, accountID string, tokens int64, turns int64, now time.Time) (ConsumeOutcome, error)
	GrantPurchasedQuota(ctx context.Context, accountID string, tokens int64, turns int64, now time.Time) (Record, error)
}
