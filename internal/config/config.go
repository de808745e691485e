// Package config 负责读取并合并服务配置（以环境变量为主），避免在业务代码里散落解析逻辑。
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

type Config struct {
	Env     string
	Server  ServerConfig
	DB      DBConfig
	Quota   QuotaConfig
	Pricing PricingConfig
	Payment PaymentConfig
}

type ServerConfig struct {
	Addr string

	// PublicBaseURL 用于拼接支付回调/回跳地址；为空时按 Addr 推断本机地址。
	PublicBaseURL string

	// HTTP 连接硬化：这些参数会直接映射到 net/http 的 http.Server。
	ReadHeaderTimeoutSeconds int
	ReadTimeoutSeconds       int
	IdleTimeoutSeconds       int
	MaxHeaderBytes           int

	// 请求体上限（配额 API 均为小 JSON，默认 1MB 足够）。
	MaxBodyBytes int64
}

type DBConfig struct {
	// Driver 支持 mysql/sqlite/memory；为空时根据 dsn 自动推断（兼容旧配置）。
	// - 当 dsn 非空且 driver 为空：推断为 mysql
	// - 其他情况默认 sqlite
	// memory 仅保存在进程内，适合开发与单测，不适合生产。
	Driver string
	// DSN 仅用于 MySQL。
	DSN string
	// SQLitePath 是 SQLite 数据库文件路径（可包含 DSN query，如 ?_busy_timeout=30000）。
	SQLitePath string
}

// CostBracket 是一档响应长度区间：TotalTokens 不超过 MaxTokens 时套用 Multiplier。
// MaxTokens 为 0 表示兜底档（任意长度）。
type CostBracket struct {
	MaxTokens  int64
	Multiplier decimal.Decimal
}

// QuotaConfig 是月度配额策略与积分成本曲线的全部常量。
// 这些值只影响成本曲线的形状，核心逻辑不依赖具体取值。
type QuotaConfig struct {
	MonthlyFreeTokens int64
	MonthlyFreeTurns  int64
	TokensPerTurn     int64

	BaseCreditsPerTurn    int64
	PreciseModeMultiplier decimal.Decimal
	Brackets              []CostBracket
}

// PricingConfig 是模型调用的货币成本常量。输入/输出 token 分开计价，不能混用。
type PricingConfig struct {
	InputUSDPer1K  decimal.Decimal
	OutputUSDPer1K decimal.Decimal

	// USDPerCNY 是充值入账换算用的固定汇率常量。
	USDPerCNY decimal.Decimal

	// ExtensionPackCNY 是对外展示的“扩容包”固定售价（本币）。
	ExtensionPackCNY decimal.Decimal
	// MinTopupCNY 是自定义充值的最低金额。
	MinTopupCNY decimal.Decimal
}

type PaymentConfig struct {
	Stripe StripeConfig
	EPay   EPayConfig
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

type EPayConfig struct {
	Gateway   string
	PartnerID string
	Key       string
}

// LoadFromEnv 仅从环境变量加载配置（不读取任何配置文件）。
func LoadFromEnv() (Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(&cfg)
	return normalizeAndValidate(cfg)
}

func normalizeAndValidate(cfg Config) (Config, error) {
	if cfg.Server.Addr == "" {
		return Config{}, errors.New("server.addr 不能为空")
	}

	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	cfg.DB.DSN = strings.TrimSpace(cfg.DB.DSN)
	cfg.DB.SQLitePath = strings.TrimSpace(cfg.DB.SQLitePath)

	// 兼容旧配置：历史仅配置 db.dsn（无 db.driver）。
	if cfg.DB.Driver == "" {
		if cfg.DB.DSN != "" {
			cfg.DB.Driver = "mysql"
		} else {
			cfg.DB.Driver = "sqlite"
		}
	}

	switch cfg.DB.Driver {
	case "sqlite":
		if cfg.DB.SQLitePath == "" {
			cfg.DB.SQLitePath = "./data/chatquota.db?_busy_timeout=30000"
		}
	case "mysql":
		if cfg.DB.DSN == "" {
			return Config{}, errors.New("db.dsn 不能为空（db.driver=mysql）")
		}
	case "memory":
	default:
		return Config{}, fmt.Errorf("db.driver 不支持：%s（仅支持 mysql/sqlite/memory）", cfg.DB.Driver)
	}

	if cfg.Quota.MonthlyFreeTokens < 0 || cfg.Quota.MonthlyFreeTurns < 0 {
		return Config{}, errors.New("quota 月度免费额度不能为负数")
	}
	if cfg.Quota.TokensPerTurn <= 0 {
		return Config{}, errors.New("quota.tokens_per_turn 必须大于 0")
	}
	if cfg.Quota.BaseCreditsPerTurn <= 0 {
		return Config{}, errors.New("quota.base_credits_per_turn 必须大于 0")
	}
	if cfg.Quota.PreciseModeMultiplier.LessThanOrEqual(decimal.Zero) {
		return Config{}, errors.New("quota.precise_mode_multiplier 必须大于 0")
	}
	if len(cfg.Quota.Brackets) == 0 {
		return Config{}, errors.New("quota 成本区间表不能为空")
	}
	if err := validateBrackets(cfg.Quota.Brackets); err != nil {
		return Config{}, err
	}

	if cfg.Pricing.InputUSDPer1K.IsNegative() || cfg.Pricing.OutputUSDPer1K.IsNegative() {
		return Config{}, errors.New("pricing 单价不能为负数")
	}
	if cfg.Pricing.USDPerCNY.LessThanOrEqual(decimal.Zero) {
		return Config{}, errors.New("pricing.usd_per_cny 必须大于 0")
	}

	return cfg, nil
}

func validateBrackets(brackets []CostBracket) error {
	seenCatchAll := false
	var prevMax int64
	for i, b := range brackets {
		if b.Multiplier.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("成本区间 %d 的倍率必须大于 0", i+1)
		}
		if b.MaxTokens == 0 {
			seenCatchAll = true
			if i != len(brackets)-1 {
				return errors.New("兜底成本区间（max_tokens=0）必须位于末尾")
			}
			continue
		}
		if b.MaxTokens < 0 {
			return fmt.Errorf("成本区间 %d 的 max_tokens 不能为负数", i+1)
		}
		if b.MaxTokens <= prevMax {
			return errors.New("成本区间必须按 max_tokens 严格递增")
		}
		prevMax = b.MaxTokens
	}
	if !seenCatchAll {
		return errors.New("成本区间表缺少兜底档（max_tokens=0）")
	}
	return nil
}

func parseDecimalNonNeg(raw string, scale int32) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, errors.New("金额为空")
	}
	if strings.HasPrefix(s, "+") {
		s = strings.TrimSpace(strings.TrimPrefix(s, "+"))
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.New("金额格式不合法")
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("金额不能为负数")
	}
	if d.Exponent() < -scale {
		return decimal.Zero, fmt.Errorf("最多支持 %d 位小数", scale)
	}
	return d.Truncate(scale), nil
}

// ParseBrackets 解析 "400:1,800:1.5,1200:2,0:3" 形式的区间表。
// 每项为 max_tokens:multiplier；max_tokens=0 表示兜底档，解析后保证有序。
func ParseBrackets(raw string) ([]CostBracket, error) {
	parts := splitCSV(raw)
	if len(parts) == 0 {
		return nil, errors.New("成本区间表为空")
	}
	var out []CostBracket
	for _, p := range parts {
		i := strings.IndexByte(p, ':')
		if i <= 0 || i == len(p)-1 {
			return nil, fmt.Errorf("成本区间格式不合法：%s（应为 max_tokens:multiplier）", p)
		}
		maxTokens, err := strconv.ParseInt(strings.TrimSpace(p[:i]), 10, 64)
		if err != nil || maxTokens < 0 {
			return nil, fmt.Errorf("成本区间 max_tokens 不合法：%s", p)
		}
		mult, err := decimal.NewFromString(strings.TrimSpace(p[i+1:]))
		if err != nil || mult.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("成本区间倍率不合法：%s", p)
		}
		out = append(out, CostBracket{MaxTokens: maxTokens, Multiplier: mult})
	}
	// 兜底档（max_tokens=0）排到末尾，其余按上限升序。
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].MaxTokens == 0 {
			return false
		}
		if out[b].MaxTokens == 0 {
			return true
		}
		return out[a].MaxTokens < out[b].MaxTokens
	})
	if err := validateBrackets(out); err != nil {
		return nil, err
	}
	return out, nil
}

func defaultConfig() Config {
	return Config{
		Env: "dev",
		Server: ServerConfig{
			Addr: ":8080",

			ReadHeaderTimeoutSeconds: 5,
			ReadTimeoutSeconds:       30,
			IdleTimeoutSeconds:       120,
			MaxHeaderBytes:           1048576,

			MaxBodyBytes: 1 << 20, // 1MB
		},
		DB: DBConfig{
			SQLitePath: "./data/chatquota.db?_busy_timeout=30000",
		},
		Quota: QuotaConfig{
			MonthlyFreeTokens: 30000,
			MonthlyFreeTurns:  100,
			TokensPerTurn:     300,

			BaseCreditsPerTurn:    3,
			PreciseModeMultiplier: decimal.NewFromFloat(1.5),
			Brackets: []CostBracket{
				{MaxTokens: 400, Multiplier: decimal.NewFromInt(1)},
				{MaxTokens: 800, Multiplier: decimal.NewFromFloat(1.5)},
				{MaxTokens: 1200, Multiplier: decimal.NewFromInt(2)},
				{MaxTokens: 0, Multiplier: decimal.NewFromInt(3)},
			},
		},
		Pricing: PricingConfig{
			InputUSDPer1K:  decimal.RequireFromString("0.003"),
			OutputUSDPer1K: decimal.RequireFromString("0.015"),

			USDPerCNY: decimal.RequireFromString("0.14"),

			ExtensionPackCNY: decimal.NewFromInt(500),
			MinTopupCNY:      decimal.NewFromInt(10),
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATQUOTA_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("CHATQUOTA_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHATQUOTA_PUBLIC_BASE_URL"); v != "" {
		cfg.Server.PublicBaseURL = strings.TrimRight(strings.TrimSpace(v), "/")
	}
	if v := os.Getenv("CHATQUOTA_SERVER_READ_HEADER_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Server.ReadHeaderTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CHATQUOTA_SERVER_READ_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Server.ReadTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CHATQUOTA_SERVER_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Server.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CHATQUOTA_SERVER_MAX_HEADER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.MaxHeaderBytes = n
		}
	}
	if v := os.Getenv("CHATQUOTA_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("CHATQUOTA_DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("CHATQUOTA_DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("CHATQUOTA_SQLITE_PATH"); v != "" {
		cfg.DB.SQLitePath = v
	}

	if v := os.Getenv("CHATQUOTA_MONTHLY_FREE_TOKENS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Quota.MonthlyFreeTokens = n
		}
	}
	if v := os.Getenv("CHATQUOTA_MONTHLY_FREE_TURNS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Quota.MonthlyFreeTurns = n
		}
	}
	if v := os.Getenv("CHATQUOTA_TOKENS_PER_TURN"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Quota.TokensPerTurn = n
		}
	}
	if v := os.Getenv("CHATQUOTA_BASE_CREDITS_PER_TURN"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Quota.BaseCreditsPerTurn = n
		}
	}
	if v := os.Getenv("CHATQUOTA_PRECISE_MODE_MULTIPLIER"); v != "" {
		if d, err := parseDecimalNonNeg(v, 4); err == nil && d.GreaterThan(decimal.Zero) {
			cfg.Quota.PreciseModeMultiplier = d
		}
	}
	if v := os.Getenv("CHATQUOTA_COST_BRACKETS"); v != "" {
		if brackets, err := ParseBrackets(v); err == nil {
			cfg.Quota.Brackets = brackets
		}
	}

	if v := os.Getenv("CHATQUOTA_INPUT_USD_PER_1K"); v != "" {
		if d, err := parseDecimalNonNeg(v, 6); err == nil {
			cfg.Pricing.InputUSDPer1K = d
		}
	}
	if v := os.Getenv("CHATQUOTA_OUTPUT_USD_PER_1K"); v != "" {
		if d, err := parseDecimalNonNeg(v, 6); err == nil {
			cfg.Pricing.OutputUSDPer1K = d
		}
	}
	if v := os.Getenv("CHATQUOTA_USD_PER_CNY"); v != "" {
		if d, err := parseDecimalNonNeg(v, 6); err == nil && d.GreaterThan(decimal.Zero) {
			cfg.Pricing.USDPerCNY = d
		}
	}
	if v := os.Getenv("CHATQUOTA_EXTENSION_PACK_CNY"); v != "" {
		if d, err := parseDecimalNonNeg(v, 2); err == nil && d.GreaterThan(decimal.Zero) {
			cfg.Pricing.ExtensionPackCNY = d
		}
	}
	if v := os.Getenv("CHATQUOTA_MIN_TOPUP_CNY"); v != "" {
		if d, err := parseDecimalNonNeg(v, 2); err == nil {
			cfg.Pricing.MinTopupCNY = d
		}
	}

	if v := os.Getenv("CHATQUOTA_STRIPE_SECRET_KEY"); v != "" {
		cfg.Payment.Stripe.SecretKey = v
	}
	if v := os.Getenv("CHATQUOTA_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Payment.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("CHATQUOTA_STRIPE_CURRENCY"); v != "" {
		cfg.Payment.Stripe.Currency = v
	}
	if v := os.Getenv("CHATQUOTA_EPAY_GATEWAY"); v != "" {
		cfg.Payment.EPay.Gateway = v
	}
	if v := os.Getenv("CHATQUOTA_EPAY_PARTNER_ID"); v != "" {
		cfg.Payment.EPay.PartnerID = v
	}
	if v := os.Getenv("CHATQUOTA_EPAY_KEY"); v != "" {
		cfg.Payment.EPay.Key = v
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
