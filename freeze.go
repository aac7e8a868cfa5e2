package isic2018

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
)

// FreezeRule freezes the model variables whose scope contains Selector when
// the trainer reaches Epoch (1-based). An empty Selector makes every model
// variable trainable again. Selectors are a best-effort filter: one that
// matches no variable is silently a no-op.
type FreezeRule struct {
	Epoch    int
	Selector string
}

// FreezeSchedule is an ordered list of FreezeRules. At the start of each
// epoch, the rule whose Epoch equals the current epoch fires (at most one).
type FreezeSchedule []FreezeRule

// RuleForEpoch returns the rule firing at the given epoch, if any.
func (s FreezeSchedule) RuleForEpoch(epoch int) (FreezeRule, bool) {
	for _, rule := range s {
		if rule.Epoch == epoch {
			return rule, true
		}
	}
	return FreezeRule{}, false
}

// FreezeScheduleFromContext builds the default schedule: the pretrained
// encoder is frozen on the first epoch and everything becomes trainable at
// the "unfreeze_epoch" hyperparameter.
func FreezeScheduleFromContext(ctx *context.Context) FreezeSchedule {
	return FreezeSchedule{
		{Epoch: 1, Selector: "encoder"},
		{Epoch: context.GetParamOr(ctx, "unfreeze_epoch", 50), Selector: ""},
	}
}

// ApplyFreeze marks the variables under modelScope whose scope contains
// selector as non-trainable, and every other variable under modelScope as
// trainable. An empty selector therefore unfreezes the whole model. Variables
// outside modelScope (optimizer slots, counters) are left untouched. Returns
// the number of variables frozen.
//
// The trainable set is baked into compiled programs, so the trainer must
// rebuild its step executors after calling this.
func ApplyFreeze(ctx *context.Context, modelScope, selector string) (frozen int) {
	ctx.EnumerateVariables(func(v *context.Variable) {
		scope := v.Scope()
		if scope != modelScope && !strings.HasPrefix(scope, modelScope+context.ScopeSeparator) {
			return
		}
		freeze := selector != "" && strings.Contains(scope, selector)
		v.Trainable = !freeze
		if freeze {
			frozen++
		}
	})
	return
}
