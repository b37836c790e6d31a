package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRecursionLimit is returned once a turn has executed more steps than allowed.
var ErrRecursionLimit = errors.New("recursion limit reached")

// Budget counts step executions within one turn.
type Budget struct {
	mu    sync.Mutex
	limit int
	used  int
}

// NewBudget allows limit steps. A limit of zero or less is unlimited.
func NewBudget(limit int) *Budget {
	return &Budget{limit: limit}
}

// Spend records one execution of step. A nil Budget never runs out.
func (b *Budget) Spend(step string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used++
	if b.limit > 0 && b.used > b.limit {
		return fmt.Errorf("%w: %d steps, stopped at %s", ErrRecursionLimit, b.limit, step)
	}
	return nil
}

// Used returns the number of steps spent.
func (b *Budget) Used() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

type budgetKey struct{}

// WithBudget attaches b to ctx.
func WithBudget(ctx context.Context, b *Budget) context.Context {
	return context.WithValue(ctx, budgetKey{}, b)
}

// BudgetFrom returns the Budget on ctx, or nil.
func BudgetFrom(ctx context.Context) *Budget {
	b, _ := ctx.Value(budgetKey{}).(*Budget)
	return b
}
