package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatquota/internal/config"
	"chatquota/internal/obs"
)

// MemoryStore 是进程内的 RecordStore 实现，用于开发与单测。
// 全局锁只保护账号表的查找/插入；每个账号持有独立互斥锁，
// 扣减序列只在账号锁内执行，不同账号互不阻塞。
type MemoryStore struct {
	policy config.QuotaConfig

	mu   sync.Mutex
	recs map[string]*memoryRecord
}

type memoryRecord struct {
	mu  sync.Mutex
	rec Record
}

func NewMemoryStore(policy config.QuotaConfig) *MemoryStore {
	return &MemoryStore{
		policy: policy,
		recs:   make(map[string]*memoryRecord),
	}
}

func (s *MemoryStore) entry(accountID string, now time.Time) *memoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.recs[accountID]; ok {
		return e
	}
	e := &memoryRecord{rec: Record{
		AccountID:             accountID,
		FreeTokenAllowance:    s.policy.MonthlyFreeTokens,
		FreeTurnAllowance:     s.policy.MonthlyFreeTurns,
		PurchasedTokenBalance: 0,
		PurchasedTurnBalance:  0,
		BillingMonth:          MonthKey(now),
		CreatedAt:             now,
		UpdatedAt:             now,
	}}
	s.recs[accountID] = e
	return e
}

// normalizeLocked 在持有账号锁的前提下做月份规整并记录重置指标。
func (e *memoryRecord) normalizeLocked(now time.Time) {
	next := Normalize(e.rec, now)
	if next.BillingMonth != e.rec.BillingMonth {
		obs.RecordBillingMonthReset()
		next.UpdatedAt = now
	}
	e.rec = next
}

func (s *MemoryStore) GetOrCreateQuotaRecord(_ context.Context, accountID string, now time.Time) (Record, error) {
	e := s.entry(accountID, now)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.normalizeLocked(now)
	return e.rec, nil
}

func (s *MemoryStore) ConsumeQuota(_ context.Context, accountID string, tokens, turns int64, now time.Time) (ConsumeOutcome, error) {
	if tokens < 0 || turns < 0 {
		return ConsumeOutcome{}, fmt.Errorf("%w: 扣减额度不能为负数", ErrInvalidInput)
	}
	e := s.entry(accountID, now)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.normalizeLocked(now)

	// turn 上限先于 token 余额判定。
	if avail := e.rec.AvailableTurns(); avail < turns {
		return ConsumeOutcome{
			Record: e.rec,
			Denial: &Denial{Code: DenyInsufficientTurns, Required: turns, Available: avail},
		}, nil
	}
	if avail := e.rec.AvailableTokens(); avail < tokens {
		return ConsumeOutcome{
			Record: e.rec,
			Denial: &Denial{Code: DenyInsufficientTokens, Required: tokens, Available: avail},
		}, nil
	}

	e.rec.UsedTokens += tokens
	e.rec.UsedTurns += turns
	e.rec.UpdatedAt = now
	return ConsumeOutcome{Record: e.rec}, nil
}

func (s *MemoryStore) GrantPurchasedQuota(_ context.Context, accountID string, tokens, turns int64, now time.Time) (Record, error) {
	if tokens < 0 || turns < 0 {
		return Record{}, fmt.Errorf("%w: 授予额度不能为负数", ErrInvalidInput)
	}
	e := s.entry(accountID, now)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.normalizeLocked(now)

	e.rec.PurchasedTokenBalance += tokens
	e.rec.PurchasedTurnBalance += turns
	e.rec.UpdatedAt = now
	obs.RecordTopupGrant()
	return e.rec, nil
}
