package obs

import (
	"expvar"
	"sync/atomic"
)

var (
	admissionsAllowed      int64
	admissionsDeniedTurns  int64
	admissionsDeniedTokens int64
	admissionsInvalid      int64
	billingMonthResets     int64
	topupGrants            int64
)

func init() {
	expvar.Publish("quota_admissions_allowed_total", expvar.Func(func() any {
		return atomic.LoadInt64(&admissionsAllowed)
	}))
	expvar.Publish("quota_admissions_denied_turns_total", expvar.Func(func() any {
		return atomic.LoadInt64(&admissionsDeniedTurns)
	}))
	expvar.Publish("quota_admissions_denied_tokens_total", expvar.Func(func() any {
		return atomic.LoadInt64(&admissionsDeniedTokens)
	}))
	expvar.Publish("quota_admissions_invalid_total", expvar.Func(func() any {
		return atomic.LoadInt64(&admissionsInvalid)
	}))
	expvar.Publish("quota_billing_month_resets_total", expvar.Func(func() any {
		return atomic.LoadInt64(&billingMonthResets)
	}))
	expvar.Publish("quota_topup_grants_total", expvar.Func(func() any {
		return atomic.LoadInt64(&topupGrants)
	}))
}

func RecordAdmissionAllowed() {
	atomic.AddInt64(&admissionsAllowed, 1)
}

func RecordAdmissionDeniedTurns() {
	atomic.AddInt64(&admissionsDeniedTurns, 1)
}

func RecordAdmissionDeniedTokens() {
	atomic.AddInt64(&admissionsDeniedTokens, 1)
}

func RecordAdmissionInvalid() {
	atomic.AddInt64(&admissionsInvalid, 1)
}

func RecordBillingMonthReset() {
	atomic.AddInt64(&billingMonthResets, 1)
}

func RecordTopupGrant() {
	atomic.AddInt64(&topupGrants, 1)
}
