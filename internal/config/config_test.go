package config

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr: got %q want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.DB.Driver != "sqlite" {
		t.Fatalf("db.driver: got %q want %q", cfg.DB.Driver, "sqlite")
	}
	if cfg.Quota.MonthlyFreeTokens != 30000 {
		t.Fatalf("monthly_free_tokens: got %d want %d", cfg.Quota.MonthlyFreeTokens, 30000)
	}
	if cfg.Quota.MonthlyFreeTurns != 100 {
		t.Fatalf("monthly_free_turns: got %d want %d", cfg.Quota.MonthlyFreeTurns, 100)
	}
	if cfg.Quota.TokensPerTurn != 300 {
		t.Fatalf("tokens_per_turn: got %d want %d", cfg.Quota.TokensPerTurn, 300)
	}
	if got := len(cfg.Quota.Brackets); got != 4 {
		t.Fatalf("brackets: got %d want %d", got, 4)
	}
	if last := cfg.Quota.Brackets[len(cfg.Quota.Brackets)-1]; last.MaxTokens != 0 {
		t.Fatalf("兜底档缺失: %+v", last)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("CHATQUOTA_ENV", "prod")
	t.Setenv("CHATQUOTA_DB_DRIVER", "memory")
	t.Setenv("CHATQUOTA_MONTHLY_FREE_TOKENS", "60000")
	t.Setenv("CHATQUOTA_TOKENS_PER_TURN", "500")
	t.Setenv("CHATQUOTA_USD_PER_CNY", "0.15")
	t.Setenv("CHATQUOTA_COST_BRACKETS", "0:4,300:1,600:2")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Env != "prod" {
		t.Fatalf("env: got %q want %q", cfg.Env, "prod")
	}
	if cfg.DB.Driver != "memory" {
		t.Fatalf("db.driver: got %q want %q", cfg.DB.Driver, "memory")
	}
	if cfg.Quota.MonthlyFreeTokens != 60000 {
		t.Fatalf("monthly_free_tokens: got %d want %d", cfg.Quota.MonthlyFreeTokens, 60000)
	}
	if cfg.Quota.TokensPerTurn != 500 {
		t.Fatalf("tokens_per_turn: got %d want %d", cfg.Quota.TokensPerTurn, 500)
	}
	if !cfg.Pricing.USDPerCNY.Equal(decimal.RequireFromString("0.15")) {
		t.Fatalf("usd_per_cny: got %s want %s", cfg.Pricing.USDPerCNY, "0.15")
	}
	// 区间表排序：兜底档（max_tokens=0）排到末尾。
	if cfg.Quota.Brackets[0].MaxTokens != 300 || cfg.Quota.Brackets[2].MaxTokens != 0 {
		t.Fatalf("brackets 排序不符: %+v", cfg.Quota.Brackets)
	}
}

func TestLoadFromEnv_MySQLRequiresDSN(t *testing.T) {
	t.Setenv("CHATQUOTA_DB_DRIVER", "mysql")
	t.Setenv("CHATQUOTA_DB_DSN", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("期望 db.dsn 缺失报错")
	}
}

func TestParseBrackets(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"400:1,800:1.5,1200:2,0:3", false},
		{"0:3", false},
		{"400:1,800:1.5", true},    // 缺兜底档
		{"400:1,400:2,0:3", true},  // 非严格递增
		{"400:0,0:3", true},        // 倍率非正
		{"abc", true},              // 格式错误
		{"", true},                 // 空表
	}
	for _, tt := range tests {
		_, err := ParseBrackets(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseBrackets(%q): err=%v wantErr=%v", tt.raw, err, tt.wantErr)
		}
	}
}
