package constraint

import (
	"github.com/legendofa/rapier/dynamics"
	"github.com/legendofa/rapier/geometry"
)

// ConstraintKind discriminates the constraint variants held by AnyConstraint.
type ConstraintKind uint8

const (
	KindOneBody ConstraintKind = iota
	KindTwoBodies
	KindGenericOneBody
	KindGenericTwoBodies
	KindBatchOneBody
	KindBatchTwoBodies
)

// AnyConstraint is a tagged union over every contact-constraint shape. The
// solver stores its constraints in one slice and drives them through a small,
// fixed set of operations; only the variant named by Kind is populated.
type AnyConstraint struct {
	Kind ConstraintKind

	OneBody          OneBodyConstraint
	TwoBodies        TwoBodyConstraint
	GenericOneBody   GenericOneBodyConstraint
	GenericTwoBodies GenericTwoBodyConstraint
	BatchOneBody     BatchOneBodyConstraint
	BatchTwoBodies   BatchTwoBodyConstraint
}

// RemoveBias strips stabilization and constraint-force mixing from the
// constraint before the restitution pass.
func (c *AnyConstraint) RemoveBias() {
	switch c.Kind {
	case KindOneBody:
		c.OneBody.RemoveCfmAndBiasFromRhs()
	case KindTwoBodies:
		c.TwoBodies.RemoveCfmAndBiasFromRhs()
	case KindGenericOneBody:
		c.GenericOneBody.RemoveCfmAndBiasFromRhs()
	case KindGenericTwoBodies:
		c.GenericTwoBodies.RemoveCfmAndBiasFromRhs()
	case KindBatchOneBody:
		c.BatchOneBody.RemoveCfmAndBiasFromRhs()
	case KindBatchTwoBodies:
		c.BatchTwoBodies.RemoveCfmAndBiasFromRhs()
	}
}

// SolveRestitution runs a normal-only Gauss-Seidel step. The jacobian and
// generic-velocity buffers are only touched by the generic variants.
func (c *AnyConstraint) SolveRestitution(jacobians []float64, vels []dynamics.SolverVel, genericVels []float64) {
	c.solve(jacobians, vels, genericVels, true, false)
}

// SolveFriction runs a friction-only Gauss-Seidel step.
func (c *AnyConstraint) SolveFriction(jacobians []float64, vels []dynamics.SolverVel, genericVels []float64) {
	c.solve(jacobians, vels, genericVels, false, true)
}

func (c *AnyConstraint) solve(
	jacobians []float64,
	vels []dynamics.SolverVel,
	genericVels []float64,
	solveNormal, solveFriction bool,
) {
	switch c.Kind {
	case KindOneBody:
		c.OneBody.Solve(vels, solveNormal, solveFriction)
	case KindTwoBodies:
		c.TwoBodies.Solve(vels, solveNormal, solveFriction)
	case KindGenericOneBody:
		c.GenericOneBody.Solve(jacobians, genericVels, solveNormal, solveFriction)
	case KindGenericTwoBodies:
		c.GenericTwoBodies.Solve(jacobians, vels, genericVels, solveNormal, solveFriction)
	case KindBatchOneBody:
		c.BatchOneBody.Solve(vels, solveNormal, solveFriction)
	case KindBatchTwoBodies:
		c.BatchTwoBodies.Solve(vels, solveNormal, solveFriction)
	}
}

// WritebackImpulses copies the solved impulses back into the manifolds for
// warm starting the next step.
func (c *AnyConstraint) WritebackImpulses(manifolds []*geometry.ContactManifold) {
	switch c.Kind {
	case KindOneBody:
		c.OneBody.WritebackImpulses(manifolds)
	case KindTwoBodies:
		c.TwoBodies.WritebackImpulses(manifolds)
	case KindGenericOneBody:
		c.GenericOneBody.WritebackImpulses(manifolds)
	case KindGenericTwoBodies:
		c.GenericTwoBodies.WritebackImpulses(manifolds)
	case KindBatchOneBody:
		c.BatchOneBody.WritebackImpulses(manifolds)
	case KindBatchTwoBodies:
		c.BatchTwoBodies.WritebackImpulses(manifolds)
	}
}

// AnyConstraintBuilder is the tagged union of the constraint builders,
// mirroring AnyConstraint variant for variant.
type AnyConstraintBuilder struct {
	Kind ConstraintKind

	OneBody          OneBodyConstraintBuilder
	TwoBodies        TwoBodyConstraintBuilder
	GenericOneBody   GenericOneBodyConstraintBuilder
	GenericTwoBodies GenericTwoBodyConstraintBuilder
	BatchOneBody     BatchOneBodyConstraintBuilder
	BatchTwoBodies   BatchTwoBodyConstraintBuilder
}

// Update refreshes the paired constraint's right-hand sides from the solver
// bodies' current poses. c must be the constraint this builder generated.
func (b *AnyConstraintBuilder) Update(
	params *dynamics.IntegrationParameters,
	solvedDt float64,
	bodies []dynamics.SolverBody,
	c *AnyConstraint,
) {
	switch b.Kind {
	case KindOneBody:
		b.OneBody.Update(params, solvedDt, bodies, &c.OneBody)
	case KindTwoBodies:
		b.TwoBodies.Update(params, solvedDt, bodies, &c.TwoBodies)
	case KindGenericOneBody:
		b.GenericOneBody.Update(params, solvedDt, &c.GenericOneBody)
	case KindGenericTwoBodies:
		b.GenericTwoBodies.Update(params, solvedDt, bodies, &c.GenericTwoBodies)
	case KindBatchOneBody:
		b.BatchOneBody.Update(params, solvedDt, bodies, &c.BatchOneBody)
	case KindBatchTwoBodies:
		b.BatchTwoBodies.Update(params, solvedDt, bodies, &c.BatchTwoBodies)
	}
}
