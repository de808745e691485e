package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// TopupOrder 是一笔充值订单：创建时即按当时的定价换算好授予额度，
// 支付回调只负责按单入账，不再重新计价。
type TopupOrder struct {
	ID         int64
	AccountID  string
	AmountCNY  decimal.Decimal
	TokenGrant int64
	TurnGrant  int64
	Status     int
	PaidAt     *time.Time
	PaidMethod *string
	PaidRef    *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
