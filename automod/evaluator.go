package automod

import (
	"context"
	"fmt"
	"time"

	"discord-automod/model"
	"discord-automod/state"
)

// Evaluator runs compiled rules against messages. Frequency rules keep their
// windows in the shared state store.
type Evaluator struct {
	store         *state.Store
	defaultWindow time.Duration
}

// NewEvaluator returns an evaluator over store.
func NewEvaluator(store *state.Store) *Evaluator {
	return &Evaluator{store: store, defaultWindow: DefaultWindow}
}

// Evaluate checks one rule. Errors and panics stay inside the rule.
func (e *Evaluator) Evaluate(ctx context.Context, r *compiledRule, msg *model.Message) (v *model.Violation, err error) {
	defer func() {
		if p := recover(); p != nil {
			v = nil
			err = fmt.Errorf("rule %d (%s) panicked: %v", r.ID, r.Type, p)
		}
	}()
	return r.eval(ctx, e, r, msg)
}

func (e *Evaluator) window(r *compiledRule) time.Duration {
	return r.Window(e.defaultWindow)
}
