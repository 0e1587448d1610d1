package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckBeforeStep_StrictGreaterThan(t *testing.T) {
	p := New(func(o *Options) {
		o.MaxBudgetPerSession = 1.0
		o.MaxTurns = 3
	})

	acc := NewAccounting()
	assert.Equal(t, StepOK, CheckBeforeStep(acc, p))

	// Cost exactly at the ceiling is still OK.
	acc.AddCost(1.0)
	assert.Equal(t, StepOK, CheckBeforeStep(acc, p))

	acc.AddCost(0.0001)
	assert.Equal(t, StepBudgetExceeded, CheckBeforeStep(acc, p))
}

func TestCheckBeforeStep_TurnLimit(t *testing.T) {
	p := New(func(o *Options) {
		o.MaxBudgetPerSession = 100
		o.MaxTurns = 2
	})

	acc := NewAccounting()
	acc.AddTurn()
	acc.AddTurn()
	// Turns exactly at the ceiling is still OK.
	assert.Equal(t, StepOK, CheckBeforeStep(acc, p))

	acc.AddTurn()
	assert.Equal(t, StepTurnLimitExceeded, CheckBeforeStep(acc, p))
}

func TestCheckBeforeStep_UnlimitedWhenZero(t *testing.T) {
	p := New(func(o *Options) {
		o.MaxBudgetPerSession = 0
		o.MaxTurns = 0
	})
	acc := NewAccounting()
	acc.AddCost(1e6)
	for i := 0; i < 1000; i++ {
		acc.AddTurn()
	}
	assert.Equal(t, StepOK, CheckBeforeStep(acc, p))
}

func TestAccounting_Reset(t *testing.T) {
	acc := NewAccounting()
	acc.AddCost(0.5)
	acc.AddTurn()
	acc.Reset()
	assert.Zero(t, acc.Cost())
	assert.Zero(t, acc.Turns())
}
