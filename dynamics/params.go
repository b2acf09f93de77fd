package dynamics

// IntegrationParameters groups the solver tuning constants supplied by the
// outer time-stepping loop.
type IntegrationParameters struct {
	// Dt is the substep duration in seconds.
	Dt float64

	// Erp is the fraction of positional error corrected per step via the
	// velocity bias (Baumgarte stabilization). Typical range: 0.05 - 0.2.
	Erp float64

	// CfmFactor softens the solved equations for numerical stability.
	// 1.0 is neutral (no softening); lower values are softer.
	CfmFactor float64

	// AllowedLinearError is the penetration slop left uncorrected to avoid
	// jitter at resting contact.
	AllowedLinearError float64

	// MaxPenetrationCorrection caps the depth corrected per step so the bias
	// never launches deeply penetrating bodies apart.
	MaxPenetrationCorrection float64
}

// DefaultIntegrationParameters returns parameters suitable for a 60 Hz step.
func DefaultIntegrationParameters() IntegrationParameters {
	return IntegrationParameters{
		Dt:                       1.0 / 60.0,
		Erp:                      0.1,
		CfmFactor:                1.0,
		AllowedLinearError:       0.001,
		MaxPenetrationCorrection: 1.0e10,
	}
}

// InvDt returns 1/Dt, or zero for a zero step.
func (p *IntegrationParameters) InvDt() float64 {
	return Inv(p.Dt)
}

// ErpInvDt returns the error-reduction rate scaled by 1/Dt.
func (p *IntegrationParameters) ErpInvDt() float64 {
	return p.Erp * p.InvDt()
}
