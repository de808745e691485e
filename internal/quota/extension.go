package quota

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ExtensionGrant 是一笔充值换算出的配额增量。
type ExtensionGrant struct {
	Tokens int64
	Turns  int64
}

// ExtensionForTopupCNY 把本币充值金额换算为授予的配额：
// 金额先按固定汇率折算成美元，再除以单个 turn 的混合成本（输入:输出 = 1:2），
// turn 数向下取整，token 数 = turn 数 × 每 turn token 预算。
func (m CostModel) ExtensionForTopupCNY(amountCNY decimal.Decimal) (ExtensionGrant, error) {
	if amountCNY.LessThanOrEqual(decimal.Zero) {
		return ExtensionGrant{}, fmt.Errorf("%w: 充值金额必须大于 0", ErrInvalidInput)
	}
	perTurn := m.blendedTurnCostUSD()
	if perTurn.LessThanOrEqual(decimal.Zero) {
		return ExtensionGrant{}, fmt.Errorf("单 turn 成本未配置或为 0，无法换算充值额度")
	}
	usd := amountCNY.Mul(m.pricing.USDPerCNY)
	turns := usd.Div(perTurn).Floor().IntPart()
	if turns < 0 {
		turns = 0
	}
	return ExtensionGrant{
		Tokens: turns * m.quota.TokensPerTurn,
		Turns:  turns,
	}, nil
}

// blendedTurnCostUSD 是一个满额 turn 的货币成本，按 1 份输入、2 份输出拆分
// token 预算后分别计价。
func (m CostModel) blendedTurnCostUSD() decimal.Decimal {
	inTokens := m.quota.TokensPerTurn / 3
	outTokens := m.quota.TokensPerTurn - inTokens
	cost, err := m.MonetaryCostUSD(inTokens, outTokens)
	if err != nil {
		return decimal.Zero
	}
	return cost
}
