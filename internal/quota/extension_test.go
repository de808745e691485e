package quota

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestExtensionForTopupCNY(t *testing.T) {
	m := testCostModel()

	// ¥500 → $70；单 turn 混合成本 = 100×0.003/1k + 200×0.015/1k = $0.0033。
	// 70 / 0.0033 = 21212.12… → 21212 turn → 6363600 token。
	grant, err := m.ExtensionForTopupCNY(decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("ExtensionForTopupCNY 报错: %v", err)
	}
	if grant.Turns != 21212 {
		t.Fatalf("turn 数不符: got %d want 21212", grant.Turns)
	}
	if grant.Tokens != 21212*300 {
		t.Fatalf("token 数不符: got %d want %d", grant.Tokens, 21212*300)
	}
}

func TestExtensionForTopupCNY_ScalesLinearly(t *testing.T) {
	m := testCostModel()
	small, err := m.ExtensionForTopupCNY(decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("ExtensionForTopupCNY 报错: %v", err)
	}
	big, err := m.ExtensionForTopupCNY(decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("ExtensionForTopupCNY 报错: %v", err)
	}
	if big.Turns < small.Turns*9 || big.Turns > small.Turns*11 {
		t.Fatalf("授予额度与金额明显不成比例: 10 元 %d turn, 100 元 %d turn", small.Turns, big.Turns)
	}
	if small.Tokens != small.Turns*300 {
		t.Fatalf("token 与 turn 未按常量换算: %d vs %d", small.Tokens, small.Turns)
	}
}

func TestExtensionForTopupCNY_InvalidAmount(t *testing.T) {
	m := testCostModel()
	for _, amt := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-10)} {
		if _, err := m.ExtensionForTopupCNY(amt); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("金额 %s 应返回 ErrInvalidInput, got %v", amt, err)
		}
	}
}
