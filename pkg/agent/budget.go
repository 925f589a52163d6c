package agent

import "sync"

// BudgetStatus is the result of a budget check.
type BudgetStatus string

const (
	BudgetOK        BudgetStatus = "ok"
	BudgetWarning   BudgetStatus = "warning"
	BudgetExhausted BudgetStatus = "exhausted"
)

const budgetWarnRatio = 0.8

// Budget holds token and cost limits. Zero means unlimited.
type Budget struct {
	TokenLimit   int     `json:"token_limit"`
	CostLimitUSD float64 `json:"cost_limit_usd"`
}

// Status classifies usage against the limits. Tokens are checked first, so
// token exhaustion wins even when the cost dimension is fine.
func (b Budget) Status(tokens int, costUSD float64) BudgetStatus {
	tokenStatus := ratioStatus(float64(tokens), float64(b.TokenLimit))
	if tokenStatus == BudgetExhausted {
		return BudgetExhausted
	}
	costStatus := ratioStatus(costUSD, b.CostLimitUSD)
	if costStatus == BudgetExhausted {
		return BudgetExhausted
	}
	if tokenStatus == BudgetWarning || costStatus == BudgetWarning {
		return BudgetWarning
	}
	return BudgetOK
}

// ClampTo returns b limited by parent on every dimension parent limits.
func (b Budget) ClampTo(parent Budget) Budget {
	out := b
	if parent.TokenLimit > 0 && (out.TokenLimit == 0 || parent.TokenLimit < out.TokenLimit) {
		out.TokenLimit = parent.TokenLimit
	}
	if parent.CostLimitUSD > 0 && (out.CostLimitUSD == 0 || parent.CostLimitUSD < out.CostLimitUSD) {
		out.CostLimitUSD = parent.CostLimitUSD
	}
	return out
}

func ratioStatus(used, limit float64) BudgetStatus {
	if limit <= 0 {
		return BudgetOK
	}
	switch {
	case used >= limit:
		return BudgetExhausted
	case used >= limit*budgetWarnRatio:
		return BudgetWarning
	}
	return BudgetOK
}

// Ledger tracks spend against a Budget. It is shared between a parent run and
// the spawns it starts, so all access is synchronized.
type Ledger struct {
	mu         sync.Mutex
	budget     Budget
	tokensUsed int
	costUsed   float64
}

// NewLedger returns a ledger with nothing spent.
func NewLedger(b Budget) *Ledger {
	return &Ledger{budget: b}
}

// Charge records spend.
func (l *Ledger) Charge(tokens int, costUSD float64) {
	l.mu.Lock()
	l.tokensUsed += tokens
	l.costUsed += costUSD
	l.mu.Unlock()
}

// Used returns the spend so far.
func (l *Ledger) Used() (int, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokensUsed, l.costUsed
}

// Limit returns the configured budget.
func (l *Ledger) Limit() Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget
}

// Status checks spend against the budget.
func (l *Ledger) Status() BudgetStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget.Status(l.tokensUsed, l.costUsed)
}

// Remaining returns what is left as a Budget. Unlimited dimensions stay zero;
// a spent dimension is floored at the smallest positive value so it never
// reads as unlimited.
func (l *Ledger) Remaining() Budget {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out Budget
	if l.budget.TokenLimit > 0 {
		out.TokenLimit = max(l.budget.TokenLimit-l.tokensUsed, 1)
	}
	if l.budget.CostLimitUSD > 0 {
		out.CostLimitUSD = max(l.budget.CostLimitUSD-l.costUsed, 1e-9)
	}
	return out
}
