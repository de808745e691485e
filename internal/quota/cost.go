package quota

import (
	"fmt"

	"github.com/shopspring/decimal"

	"chatquota/internal/config"
)

// CostModel 把配置里的成本曲线与单价常量封装成纯计算接口。
// 所有方法无状态，可安全并发调用。
type CostModel struct {
	quota   config.QuotaConfig
	pricing config.PricingConfig
}

func NewCostModel(q config.QuotaConfig, p config.PricingConfig) CostModel {
	return CostModel{quota: q, pricing: p}
}

// TurnCreditCost 计算单条回复的积分成本：基础积分 × 长度档倍率（× 精确模式倍率），
// 结果向上取整到整数积分。totalTokens 为该条回复的总 token 数。
func (m CostModel) TurnCreditCost(totalTokens int64, precise bool) (int64, error) {
	if totalTokens < 0 {
		return 0, fmt.Errorf("%w: total_tokens 不能为负数", ErrInvalidInput)
	}
	mult := m.bracketMultiplier(totalTokens)
	cost := decimal.NewFromInt(m.quota.BaseCreditsPerTurn).Mul(mult)
	if precise {
		cost = cost.Mul(m.quota.PreciseModeMultiplier)
	}
	return cost.Ceil().IntPart(), nil
}

func (m CostModel) bracketMultiplier(totalTokens int64) decimal.Decimal {
	for _, b := range m.quota.Brackets {
		if b.MaxTokens == 0 {
			return b.Multiplier
		}
		if totalTokens <= b.MaxTokens {
			return b.Multiplier
		}
	}
	// 配置校验保证必有兜底档；这里仅为防御空表。
	return decimal.NewFromInt(1)
}

// TurnsFromTokens 把 token 用量换算为计入月度上限的 turn 数（向上取整）。
// 0 token 计为 0 turn。
func (m CostModel) TurnsFromTokens(totalTokens int64) int64 {
	if totalTokens <= 0 {
		return 0
	}
	per := m.quota.TokensPerTurn
	return (totalTokens + per - 1) / per
}

// MonetaryCostUSD 按输入/输出分开计价，返回截断到 6 位小数的美元成本。
func (m CostModel) MonetaryCostUSD(inputTokens, outputTokens int64) (decimal.Decimal, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return decimal.Zero, fmt.Errorf("%w: token 数不能为负数", ErrInvalidInput)
	}
	in := decimal.NewFromInt(inputTokens).Mul(m.pricing.InputUSDPer1K)
	out := decimal.NewFromInt(outputTokens).Mul(m.pricing.OutputUSDPer1K)
	return in.Add(out).Div(decimal.NewFromInt(1000)).Truncate(USDScale), nil
}

// RemainingPercent 返回 0~100 的整数剩余百分比（四舍五入）。
// 总额度为 0 时返回 0，超支时收敛到 0。
func RemainingPercent(used, freeAllowance, purchasedBalance int64) int {
	total := freeAllowance + purchasedBalance
	if total <= 0 {
		return 0
	}
	pct := decimal.NewFromInt(total - used).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(total)).
		Round(0)
	n := int(pct.IntPart())
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
