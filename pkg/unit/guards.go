package unit

import (
	"context"
	"fmt"

	"github.com/linkerd/neurofabric/pkg/fabric"
)

// guardedSpawn wraps Capability.OnSpawn with the panic boundary.
func (h *Host) guardedSpawn(ctx context.Context) (state State, err error) {
	defer h.recoverPanic(&err)
	ctx, cancel := h.withBudget(ctx)
	defer cancel()
	state, err = h.capability.OnSpawn(ctx)
	return state, h.budgetErr(ctx, err)
}

func (h *Host) guardedProcessSignal(ctx context.Context, msg fabric.Message) (state State, outputs []fabric.CapabilityOutput, err error) {
	defer h.recoverPanic(&err)
	ctx, cancel := h.withBudget(ctx)
	defer cancel()
	state, outputs, err = h.capability.ProcessSignal(ctx, h.state, msg)
	return state, outputs, h.budgetErr(ctx, err)
}

func (h *Host) guardedProcessGradient(ctx context.Context, msg fabric.Message) (state State, outputs []fabric.CapabilityOutput, err error) {
	defer h.recoverPanic(&err)
	ctx, cancel := h.withBudget(ctx)
	defer cancel()
	state, outputs, err = h.capability.ProcessGradient(ctx, h.state, msg)
	return state, outputs, h.budgetErr(ctx, err)
}

func (h *Host) guardedRoutingError(ctx context.Context, rejected error) (state State, err error) {
	defer h.recoverPanic(&err)
	ctx, cancel := h.withBudget(ctx)
	defer cancel()
	state, err = h.capability.OnRoutingError(ctx, h.state, rejected)
	return state, h.budgetErr(ctx, err)
}

func (h *Host) guardedDrain(ctx context.Context) (state State, outputs []fabric.CapabilityOutput, err error) {
	defer h.recoverPanic(&err)
	ctx, cancel := h.withBudget(ctx)
	defer cancel()
	state, outputs, err = h.capability.OnDrain(ctx, h.state)
	return state, outputs, h.budgetErr(ctx, err)
}

// withBudget derives a per-call context bounded by the unit's configured
// PerMessage budget, if any (zero means unbounded).
func (h *Host) withBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.unit.Budget.PerMessage <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.unit.Budget.PerMessage)
}

// budgetErr converts a budget-context deadline exceeded into
// ErrBudgetExceeded.
func (h *Host) budgetErr(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fabric.ErrBudgetExceeded
	}
	return nil
}

// recoverPanic converts a panic inside a guarded Capability call into
// ErrCapabilityPanicked, isolating this unit's failure from every other
// unit's task.
func (h *Host) recoverPanic(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", fabric.ErrCapabilityPanicked, r)
	}
}
