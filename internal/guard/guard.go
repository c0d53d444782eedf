// Package guard decides whether a wallet debit is admissible. It has no
// side effects and never touches storage.
package guard

import (
	"errors"
	"fmt"
)

var ErrInvalidInput = errors.New("invalid guard input")

type Verdict int

const (
	Admissible Verdict = iota + 1
	Insufficient
)

func (v Verdict) String() string {
	switch v {
	case Admissible:
		return "admissible"
	case Insufficient:
		return "insufficient"
	default:
		return "unknown"
	}
}

// Policy holds the guard configuration. MinBalance is the amount that must
// remain in the wallet after the debit; zero means the wallet may be drained.
type Policy struct {
	MinBalance int64
}

type Decision struct {
	Verdict   Verdict
	Remaining int64 // balance after the debit when admissible
	Shortfall int64 // top-up needed when insufficient
}

func (d Decision) Admissible() bool { return d.Verdict == Admissible }

// Evaluate checks a debit of requestedDebit minor units against currentBalance.
func Evaluate(p Policy, currentBalance, requestedDebit int64) (Decision, error) {
	if p.MinBalance < 0 {
		return Decision{}, fmt.Errorf("%w: min balance %d", ErrInvalidInput, p.MinBalance)
	}
	if currentBalance < 0 {
		return Decision{}, fmt.Errorf("%w: balance %d", ErrInvalidInput, currentBalance)
	}
	if requestedDebit <= 0 {
		return Decision{}, fmt.Errorf("%w: debit %d", ErrInvalidInput, requestedDebit)
	}

	remaining := currentBalance - requestedDebit
	if remaining >= p.MinBalance {
		return Decision{Verdict: Admissible, Remaining: remaining}, nil
	}
	shortfall := p.MinBalance - remaining
	if shortfall < 0 { // wrapped
		shortfall = requestedDebit
	}
	return Decision{Verdict: Insufficient, Shortfall: shortfall}, nil
}
