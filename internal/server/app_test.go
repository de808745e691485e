package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"chatquota/internal/config"
	"chatquota/internal/version"
)

func testConfig() config.Config {
	return config.Config{
		Env: "test",
		Server: config.ServerConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
		},
		DB: config.DBConfig{Driver: "memory"},
		Quota: config.QuotaConfig{
			MonthlyFreeTokens: 30000,
			MonthlyFreeTurns:  100,
			TokensPerTurn:     300,

			BaseCreditsPerTurn:    3,
			PreciseModeMultiplier: decimal.RequireFromString("1.5"),
			Brackets: []config.CostBracket{
				{MaxTokens: 400, Multiplier: decimal.NewFromInt(1)},
				{MaxTokens: 800, Multiplier: decimal.RequireFromString("1.5")},
				{MaxTokens: 1200, Multiplier: decimal.NewFromInt(2)},
				{MaxTokens: 0, Multiplier: decimal.NewFromInt(3)},
			},
		},
		Pricing: config.PricingConfig{
			InputUSDPer1K:  decimal.RequireFromString("0.003"),
			OutputUSDPer1K: decimal.RequireFromString("0.015"),

			USDPerCNY:        decimal.RequireFromString("0.14"),
			ExtensionPackCNY: decimal.NewFromInt(500),
			MinTopupCNY:      decimal.NewFromInt(10),
		},
	}
}

func TestNewApp_MemoryDriver(t *testing.T) {
	app, err := NewApp(AppOptions{
		Config:  testConfig(),
		Version: version.BuildInfo{Version: "test", Date: "2026-01-01"},
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	t.Run("healthz ok without db", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/healthz", nil)
		rr := httptest.NewRecorder()
		app.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
		}
		var resp struct {
			OK   bool `json:"ok"`
			DBOK bool `json:"db_ok"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("json.Unmarshal: %v", err)
		}
		if !resp.OK || !resp.DBOK {
			t.Fatalf("unexpected healthz: %s", rr.Body.String())
		}
	})

	t.Run("quota status served", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/quota?accountId=acc-1", nil)
		rr := httptest.NewRecorder()
		app.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
		}
	})

	t.Run("payment webhooks 404 without store and secrets", func(t *testing.T) {
		cases := []struct {
			method string
			path   string
		}{
			{method: http.MethodPost, path: "/api/pay/stripe/webhook"},
			{method: http.MethodGet, path: "/api/pay/epay/notify"},
		}
		for _, tc := range cases {
			req := httptest.NewRequest(tc.method, "http://example.com"+tc.path, nil)
			rr := httptest.NewRecorder()
			app.Handler().ServeHTTP(rr, req)
			if rr.Code != http.StatusNotFound {
				t.Fatalf("%s %s expected 404, got %d", tc.method, tc.path, rr.Code)
			}
		}
	})

	t.Run("request id header attached", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/healthz", nil)
		rr := httptest.NewRecorder()
		app.Handler().ServeHTTP(rr, req)
		if rr.Header().Get("X-Request-Id") == "" {
			t.Fatalf("expected X-Request-Id header")
		}
	})
}

func TestPublicBaseURL(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "explicit override wins",
			cfg: config.Config{Server: config.ServerConfig{
				Addr:          ":8080",
				PublicBaseURL: "https://quota.example.com/",
			}},
			want: "https://quota.example.com",
		},
		{
			name: "port only addr",
			cfg:  config.Config{Server: config.ServerConfig{Addr: ":9000"}},
			want: "http://localhost:9000",
		},
		{
			name: "wildcard host falls back to localhost",
			cfg:  config.Config{Server: config.ServerConfig{Addr: "0.0.0.0:8080"}},
			want: "http://localhost:8080",
		},
		{
			name: "concrete host kept",
			cfg:  config.Config{Server: config.ServerConfig{Addr: "10.0.0.5:8080"}},
			want: "http://10.0.0.5:8080",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := publicBaseURL(tc.cfg); got != tc.want {
				t.Fatalf("publicBaseURL = %q, want %q", got, tc.want)
			}
		})
	}
}
