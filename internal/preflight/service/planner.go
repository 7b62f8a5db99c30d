package service

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/config"
	preflightdomain "github.com/smallbiznis/creditmeter/internal/preflight/domain"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	pricingservice "github.com/smallbiznis/creditmeter/internal/pricing/service"
)

// step is one operation as the planner currently intends to run it.
type step struct {
	op       preflightdomain.PlannedOperation
	service  string
	tier     int
	quantity decimal.Decimal
	input    int64
	output   int64
}

// planner prices plans against one pricing snapshot and one policy.
type planner struct {
	table  pricingdomain.Table
	policy config.PreflightConfig
}

func (p planner) buffer(role preflightdomain.Role) decimal.Decimal {
	switch role {
	case preflightdomain.RolePrimary:
		return decimal.NewFromFloat(p.policy.PrimaryBuffer)
	case preflightdomain.RoleMustComplete:
		return decimal.NewFromFloat(p.policy.MustCompleteBuffer)
	default:
		return decimal.NewFromFloat(p.policy.OptionalBuffer)
	}
}

func newSteps(ops []preflightdomain.PlannedOperation) ([]step, int, error) {
	if len(ops) == 0 {
		return nil, -1, fmt.Errorf("%w: no operations", preflightdomain.ErrInvalidPlan)
	}
	primary := -1
	steps := make([]step, len(ops))
	for i, op := range ops {
		op.Service = strings.TrimSpace(op.Service)
		if op.Service == "" {
			return nil, -1, fmt.Errorf("%w: operation %d has no service", preflightdomain.ErrInvalidPlan, i)
		}
		if op.Quantity.IsNegative() || op.InputTokens < 0 || op.OutputTokens < 0 {
			return nil, -1, fmt.Errorf("%w: operation %q has a negative quantity", preflightdomain.ErrInvalidPlan, op.Service)
		}
		switch op.Role {
		case preflightdomain.RolePrimary:
			if primary >= 0 {
				return nil, -1, fmt.Errorf("%w: more than one primary operation", preflightdomain.ErrInvalidPlan)
			}
			primary = i
		case preflightdomain.RoleMustComplete, preflightdomain.RoleOptional:
		case "":
			op.Role = preflightdomain.RoleOptional
		default:
			return nil, -1, fmt.Errorf("%w: unknown role %q", preflightdomain.ErrInvalidPlan, op.Role)
		}
		if op.Name == "" {
			op.Name = op.Service
		}
		steps[i] = step{
			op:       op,
			service:  op.Service,
			quantity: op.Quantity,
			input:    op.InputTokens,
			output:   op.OutputTokens,
		}
	}
	return steps, primary, nil
}

func (p planner) estimate(steps []step) (preflightdomain.Estimate, error) {
	est := preflightdomain.Estimate{
		Operations: make([]preflightdomain.OperationEstimate, 0, len(steps)),
	}
	for _, s := range steps {
		item := preflightdomain.OperationEstimate{
			Name:     s.op.Name,
			Service:  s.service,
			Role:     s.op.Role,
			Quantity: s.quantity,
			Buffer:   p.buffer(s.op.Role),
		}
		cost, err := pricingservice.Calculate(p.table, pricingdomain.CostRequest{
			Service:      s.service,
			Quantity:     s.quantity,
			InputTokens:  s.input,
			OutputTokens: s.output,
		})
		if err != nil {
			return preflightdomain.Estimate{}, fmt.Errorf("price %q: %w", s.service, err)
		}
		item.Cost = cost.Credits
		est.Cost = est.Cost.Add(item.Cost)
		est.Buffer = est.Buffer.Add(item.Buffer)
		est.Operations = append(est.Operations, item)
	}
	est.Total = est.Cost.Add(est.Buffer)
	return est, nil
}

// degrade moves the first optional step that still has a cheaper tier one
// tier down. It returns a warning describing the change, or false when every
// optional step is at its cheapest tier.
func degrade(steps []step) (string, bool) {
	for i := range steps {
		s := &steps[i]
		if s.op.Role != preflightdomain.RoleOptional || s.tier >= len(s.op.Tiers) {
			continue
		}
		from := s.service
		s.service = strings.TrimSpace(s.op.Tiers[s.tier])
		s.tier++
		return fmt.Sprintf("%s degraded from %s to %s", s.op.Name, from, s.service), true
	}
	return "", false
}

// withMinutes returns a copy of steps where the primary runs for minutes and
// every step that scales with it is shrunk in proportion.
func withMinutes(steps []step, primary int, minutes decimal.Decimal) []step {
	out := make([]step, len(steps))
	copy(out, steps)
	full := steps[primary].op.Quantity
	for i := range out {
		switch {
		case i == primary:
			out[i].quantity = minutes
		case out[i].op.ScalesWithPrimary && full.IsPositive():
			ratio := minutes.Div(full)
			out[i].quantity = out[i].op.Quantity.Mul(ratio).Round(6)
			out[i].input = decimal.NewFromInt(out[i].op.InputTokens).Mul(ratio).IntPart()
			out[i].output = decimal.NewFromInt(out[i].op.OutputTokens).Mul(ratio).IntPart()
		}
	}
	return out
}

// longestAffordable finds the most whole primary minutes that fit available.
// Costs are linear in minutes up to rounding, so the bound from the marginal
// per-minute cost is checked and walked down.
func (p planner) longestAffordable(steps []step, primary int, available decimal.Decimal) (decimal.Decimal, preflightdomain.Estimate, bool, error) {
	requested := steps[primary].op.Quantity.Floor()
	if requested.LessThan(decimal.NewFromInt(1)) {
		return decimal.Zero, preflightdomain.Estimate{}, false, nil
	}
	base, err := p.estimate(withMinutes(steps, primary, decimal.Zero))
	if err != nil {
		return decimal.Zero, preflightdomain.Estimate{}, false, err
	}
	one, err := p.estimate(withMinutes(steps, primary, decimal.NewFromInt(1)))
	if err != nil {
		return decimal.Zero, preflightdomain.Estimate{}, false, err
	}
	perMinute := one.Total.Sub(base.Total)
	if !perMinute.IsPositive() {
		return decimal.Zero, preflightdomain.Estimate{}, false, nil
	}

	minutes := decimal.Min(available.Sub(base.Total).Div(perMinute).Floor(), requested.Sub(decimal.NewFromInt(1)))
	minViable := decimal.NewFromInt(int64(p.policy.MinViableMinutes))
	for ; minutes.GreaterThanOrEqual(minViable) && minutes.IsPositive(); minutes = minutes.Sub(decimal.NewFromInt(1)) {
		est, err := p.estimate(withMinutes(steps, primary, minutes))
		if err != nil {
			return decimal.Zero, preflightdomain.Estimate{}, false, err
		}
		if est.Total.LessThanOrEqual(available) {
			return minutes, est, true, nil
		}
	}
	return decimal.Zero, preflightdomain.Estimate{}, false, nil
}

// decide runs the preference order: full plan, degraded optional steps,
// shortened primary, deny.
func (p planner) decide(ops []preflightdomain.PlannedOperation, available decimal.Decimal) (preflightdomain.Decision, error) {
	steps, primary, err := newSteps(ops)
	if err != nil {
		return preflightdomain.Decision{}, err
	}
	requested, err := p.estimate(steps)
	if err != nil {
		return preflightdomain.Decision{}, err
	}

	decision := preflightdomain.Decision{
		Outcome:   preflightdomain.OutcomeDenied,
		Requested: requested,
		Available: available,
	}
	if primary >= 0 {
		decision.PrimaryMinutes = steps[primary].op.Quantity
	}

	minimum := decimal.NewFromFloat(p.policy.MinimumToStart)
	if available.LessThan(minimum) {
		return p.deny(decision, steps, primary, available,
			fmt.Sprintf("balance %s is below the %s credits needed to start", available.StringFixed(2), minimum.StringFixed(2)))
	}

	if requested.Total.LessThanOrEqual(available) {
		decision.CanAfford = true
		decision.Outcome = preflightdomain.OutcomeFull
		decision.Approved = requested
		return decision, nil
	}

	var warnings []string
	for {
		warning, ok := degrade(steps)
		if !ok {
			break
		}
		warnings = append(warnings, warning)
		est, err := p.estimate(steps)
		if err != nil {
			return preflightdomain.Decision{}, err
		}
		if est.Total.LessThanOrEqual(available) {
			decision.CanAfford = true
			decision.Outcome = preflightdomain.OutcomeDegraded
			decision.Approved = est
			decision.Warnings = warnings
			decision.Recommendations = []string{"purchase credits to keep full processing"}
			return decision, nil
		}
	}

	if primary >= 0 {
		minutes, est, ok, err := p.longestAffordable(steps, primary, available)
		if err != nil {
			return preflightdomain.Decision{}, err
		}
		if ok {
			decision.CanAfford = true
			decision.Outcome = preflightdomain.OutcomeShortened
			decision.Approved = est
			decision.PrimaryMinutes = minutes
			decision.Warnings = append(warnings, fmt.Sprintf("%s shortened from %s to %s minutes",
				steps[primary].op.Name, steps[primary].op.Quantity.String(), minutes.String()))
			decision.Recommendations = []string{
				fmt.Sprintf("purchase %s credits to run the full %s minutes",
					requested.Total.Sub(available).StringFixed(2), steps[primary].op.Quantity.String()),
			}
			return decision, nil
		}
	}

	return p.deny(decision, steps, primary, available, "balance cannot cover the minimum viable plan")
}

// deny prices the cheapest plan still worth running and reports how far the
// account is from it.
func (p planner) deny(decision preflightdomain.Decision, steps []step, primary int, available decimal.Decimal, reason string) (preflightdomain.Decision, error) {
	for {
		if _, ok := degrade(steps); !ok {
			break
		}
	}
	cheapest := steps
	if primary >= 0 && p.policy.MinViableMinutes > 0 {
		minViable := decimal.Min(decimal.NewFromInt(int64(p.policy.MinViableMinutes)), steps[primary].op.Quantity)
		cheapest = withMinutes(steps, primary, minViable)
	}
	est, err := p.estimate(cheapest)
	if err != nil {
		return preflightdomain.Decision{}, err
	}
	needed := decimal.Max(est.Total, decimal.NewFromFloat(p.policy.MinimumToStart))

	decision.CanAfford = false
	decision.Outcome = preflightdomain.OutcomeDenied
	decision.Approved = preflightdomain.Estimate{}
	decision.Shortfall = decimal.Max(needed.Sub(available), decimal.Zero).Round(6)
	decision.Warnings = []string{reason}
	decision.Recommendations = []string{
		fmt.Sprintf("purchase at least %s credits to start", decision.Shortfall.StringFixed(2)),
	}
	return decision, nil
}
