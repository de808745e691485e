package router

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatquota/internal/quota"
)

// 数据面两条路由的响应结构是对外契约，字段名与形状不可随意调整。

type quotaStatusResponse struct {
	FreeTokens       int64  `json:"freeTokens"`
	PaidTokens       int64  `json:"paidTokens"`
	UsedTokens       int64  `json:"usedTokens"`
	RemainingTokens  int64  `json:"remainingTokens"`
	FreeTurns        int64  `json:"freeTurns"`
	PaidTurns        int64  `json:"paidTurns"`
	UsedTurns        int64  `json:"usedTurns"`
	RemainingTurns   int64  `json:"remainingTurns"`
	RemainingPercent int    `json:"remainingPercent"`
	BillingMonth     string `json:"billingMonth"`

	MonthlyFreeTokens int64 `json:"monthlyFreeTokens"`
	MonthlyFreeTurns  int64 `json:"monthlyFreeTurns"`
	TokensPerTurn     int64 `json:"tokensPerTurn"`

	ExtensionTokensFor500 int64 `json:"extensionTokensFor500"`
	ExtensionTurnsFor500  int64 `json:"extensionTurnsFor500"`
}

type quotaConsumeRequest struct {
	AccountID    string `json:"accountId"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	PreciseMode  bool   `json:"preciseMode"`
}

type quotaConsumeResponse struct {
	UsedTokens      int64  `json:"usedTokens"`
	UsedFreeTokens  int64  `json:"usedFreeTokens"`
	UsedPaidTokens  int64  `json:"usedPaidTokens"`
	RemainingTokens int64  `json:"remainingTokens"`
	UsedTurns       int64  `json:"usedTurns"`
	RemainingTurns  int64  `json:"remainingTurns"`
	EstimatedCost   string `json:"estimatedCost"`
}

type quotaDenialResponse struct {
	Code             string `json:"code"`
	Required         int64  `json:"required"`
	Available        int64  `json:"available"`
	MonthlyFreeTurns *int64 `json:"monthlyFreeTurns,omitempty"`
}

type quotaErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func setQuotaRoutes(r *gin.Engine, opts Options) {
	// 扩容包换算只依赖启动时的常量，进程内算一次即可。
	extGrant, extErr := opts.Cost.ExtensionForTopupCNY(opts.Pricing.ExtensionPackCNY)

	r.GET("/quota", func(c *gin.Context) {
		accountID := strings.TrimSpace(c.Query("accountId"))
		if accountID == "" {
			c.JSON(http.StatusBadRequest, quotaErrorResponse{Code: "INVALID_INPUT", Message: "accountId 不能为空"})
			return
		}

		rec, err := opts.Meter.Snapshot(c.Request.Context(), accountID)
		if err != nil {
			if errors.Is(err, quota.ErrInvalidInput) {
				c.JSON(http.StatusBadRequest, quotaErrorResponse{Code: "INVALID_INPUT", Message: "accountId 不合法"})
				return
			}
			// 存储不可用时拒绝服务而不是按满额放行。
			c.JSON(http.StatusInternalServerError, quotaErrorResponse{Code: "STORE_UNAVAILABLE", Message: "配额存储不可用"})
			return
		}

		resp := quotaStatusResponse{
			FreeTokens:       rec.FreeTokenAllowance,
			PaidTokens:       rec.PurchasedTokenBalance,
			UsedTokens:       rec.UsedTokens,
			RemainingTokens:  rec.AvailableTokens(),
			FreeTurns:        rec.FreeTurnAllowance,
			PaidTurns:        rec.PurchasedTurnBalance,
			UsedTurns:        rec.UsedTurns,
			RemainingTurns:   rec.AvailableTurns(),
			RemainingPercent: quota.RemainingPercent(rec.UsedTokens, rec.FreeTokenAllowance, rec.PurchasedTokenBalance),
			BillingMonth:     rec.BillingMonth,

			MonthlyFreeTokens: opts.Quota.MonthlyFreeTokens,
			MonthlyFreeTurns:  opts.Quota.MonthlyFreeTurns,
			TokensPerTurn:     opts.Quota.TokensPerTurn,
		}
		if extErr == nil {
			resp.ExtensionTokensFor500 = extGrant.Tokens
			resp.ExtensionTurnsFor500 = extGrant.Turns
		}
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/quota/consume", func(c *gin.Context) {
		var req quotaConsumeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, quotaErrorResponse{Code: "INVALID_INPUT", Message: "请求体不合法"})
			return
		}
		req.AccountID = strings.TrimSpace(req.AccountID)
		if req.AccountID == "" {
			c.JSON(http.StatusBadRequest, quotaErrorResponse{Code: "INVALID_INPUT", Message: "accountId 不能为空"})
			return
		}
		if req.InputTokens < 0 || req.OutputTokens < 0 {
			c.JSON(http.StatusBadRequest, quotaErrorResponse{Code: "INVALID_INPUT", Message: "token 数不能为负数"})
			return
		}

		// 货币成本按输入/输出拆分计价，不能用合计数套单价。
		estimated, err := opts.Cost.MonetaryCostUSD(req.InputTokens, req.OutputTokens)
		if err != nil {
			c.JSON(http.StatusBadRequest, quotaErrorResponse{Code: "INVALID_INPUT", Message: "token 数不合法"})
			return
		}

		proposed := req.InputTokens + req.OutputTokens
		res, err := opts.Meter.TryConsume(c.Request.Context(), req.AccountID, proposed, req.PreciseMode)
		if err != nil {
			if errors.Is(err, quota.ErrInvalidInput) {
				c.JSON(http.StatusBadRequest, quotaErrorResponse{Code: "INVALID_INPUT", Message: "参数不合法"})
				return
			}
			c.JSON(http.StatusInternalServerError, quotaErrorResponse{Code: "STORE_UNAVAILABLE", Message: "配额存储不可用"})
			return
		}

		if res.Denial != nil {
			denial := quotaDenialResponse{
				Code:      string(res.Denial.Code),
				Required:  res.Denial.Required,
				Available: res.Denial.Available,
			}
			if res.Denial.Code == quota.DenyInsufficientTurns {
				freeTurns := opts.Quota.MonthlyFreeTurns
				denial.MonthlyFreeTurns = &freeTurns
			}
			c.JSON(http.StatusPaymentRequired, denial)
			return
		}

		c.JSON(http.StatusOK, quotaConsumeResponse{
			UsedTokens:      res.Record.UsedTokens,
			UsedFreeTokens:  res.UsedFreeTokens,
			UsedPaidTokens:  res.UsedPaidTokens,
			RemainingTokens: res.Record.AvailableTokens(),
			UsedTurns:       res.Record.UsedTurns,
			RemainingTurns:  res.Record.AvailableTurns(),
			EstimatedCost:   estimated.String(),
		})
	})
}
