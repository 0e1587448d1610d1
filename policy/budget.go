package policy

// StepVerdict is the outcome of the pre-step budget check.
type StepVerdict int

const (
	// StepOK permits the next turn step.
	StepOK StepVerdict = iota
	// StepBudgetExceeded blocks automatic continuation: cumulative cost is
	// strictly above the session budget.
	StepBudgetExceeded
	// StepTurnLimitExceeded blocks automatic continuation: the turn count is
	// strictly above the per-query ceiling.
	StepTurnLimitExceeded
)

// CheckBeforeStep compares accumulated cost and turns against the policy
// ceilings. Comparisons are strict greater-than: a session sitting exactly at
// a ceiling may still take the next step. Exceeding a ceiling blocks further
// automatic continuation but never discards already-produced output.
func CheckBeforeStep(acc *SessionAccounting, p *SessionPolicy) StepVerdict {
	if limit := p.MaxBudgetPerSession(); limit > 0 && acc.Cost() > limit {
		return StepBudgetExceeded
	}
	if limit := p.MaxTurns(); limit > 0 && acc.Turns() > limit {
		return StepTurnLimitExceeded
	}
	return StepOK
}
