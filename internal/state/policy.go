package state

import (
	"CustodyLedger/internal/errs"

	"github.com/holiman/uint256"
)

// PolicyParams are the USD-denominated limits (8 implied decimals).
type PolicyParams struct {
	AdmissionCap      *uint256.Int // Upper bound on TotalAdmitted after any deposit
	WithdrawalCeiling *uint256.Int // Per-operation withdrawal bound
	TotalAdmitted     *uint256.Int // Running total of deposit valuations
}

// PolicyLimits enforces the aggregate admission cap and the per-withdrawal
// ceiling.
type PolicyLimits struct {
	admissionCap      uint256.Int
	withdrawalCeiling uint256.Int
	totalAdmitted     uint256.Int
}

func NewPolicyLimits(admissionCap, withdrawalCeiling *uint256.Int) *PolicyLimits {
	p := &PolicyLimits{}
	p.admissionCap.Set(admissionCap)
	p.withdrawalCeiling.Set(withdrawalCeiling)
	return p
}

// CheckAdmission admits value against the cap and commits it to the running
// total. It returns the prior total so the caller can undo the commit. A sum
// that overflows counts as exceeding the cap.
func (p *PolicyLimits) CheckAdmission(value *uint256.Int) (*uint256.Int, error) {
	prior := p.totalAdmitted.Clone()
	next, overflow := new(uint256.Int).AddOverflow(&p.totalAdmitted, value)
	if overflow || next.Gt(&p.admissionCap) {
		return nil, errs.AdmissionCapExceeded(prior, value, p.admissionCap.Clone())
	}
	p.totalAdmitted.Set(next)
	return prior, nil
}

// CheckWithdrawal rejects a withdrawal valued above the ceiling. It does not
// mutate state.
func (p *PolicyLimits) CheckWithdrawal(value *uint256.Int) error {
	if value.Gt(&p.withdrawalCeiling) {
		return errs.WithdrawalCeilingExceeded(value, p.withdrawalCeiling.Clone())
	}
	return nil
}

// Release decrements the running total by value and returns the prior total.
// The decrement uses the valuation at withdrawal time, which can exceed what
// was admitted after price drift; the total then saturates at zero and
// clamped is true.
func (p *PolicyLimits) Release(value *uint256.Int) (prior *uint256.Int, clamped bool) {
	prior = p.totalAdmitted.Clone()
	if _, underflow := p.totalAdmitted.SubOverflow(&p.totalAdmitted, value); underflow {
		p.totalAdmitted.Clear()
		return prior, true
	}
	return prior, false
}

// SetAdmissionCap overwrites the cap unconditionally and returns the old one.
// A cap below the current total only blocks further deposits.
func (p *PolicyLimits) SetAdmissionCap(v *uint256.Int) *uint256.Int {
	old := p.admissionCap.Clone()
	p.admissionCap.Set(v)
	return old
}

// SetWithdrawalCeiling overwrites the ceiling unconditionally and returns the old one.
func (p *PolicyLimits) SetWithdrawalCeiling(v *uint256.Int) *uint256.Int {
	old := p.withdrawalCeiling.Clone()
	p.withdrawalCeiling.Set(v)
	return old
}

func (p *PolicyLimits) AdmissionCap() *uint256.Int      { return p.admissionCap.Clone() }
func (p *PolicyLimits) WithdrawalCeiling() *uint256.Int { return p.withdrawalCeiling.Clone() }
func (p *PolicyLimits) TotalAdmitted() *uint256.Int     { return p.totalAdmitted.Clone() }

// SetTotalAdmitted overwrites the running total. Used for undo.
func (p *PolicyLimits) SetTotalAdmitted(v *uint256.Int) {
	p.totalAdmitted.Set(v)
}

// Params returns a copy of every policy scalar.
func (p *PolicyLimits) Params() PolicyParams {
	return PolicyParams{
		AdmissionCap:      p.AdmissionCap(),
		WithdrawalCeiling: p.WithdrawalCeiling(),
		TotalAdmitted:     p.TotalAdmitted(),
	}
}

// Restore overwrites every policy scalar. Used for recovery.
func (p *PolicyLimits) Restore(params PolicyParams) {
	p.admissionCap.Set(params.AdmissionCap)
	p.withdrawalCeiling.Set(params.WithdrawalCeiling)
	p.totalAdmitted.Set(params.TotalAdmitted)
}
