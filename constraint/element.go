package constraint

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/legendofa/rapier/dynamics"
)

// MaxManifoldPoints is the largest number of contact points one constraint
// can hold. Manifolds with more points are split across several constraints.
const MaxManifoldPoints = 4

// NormalPart is the non-penetration state of one contact point: the
// angular-effect Jacobian contribution of each body, the right-hand side with
// and without stabilization bias, and the impulses.
type NormalPart struct {
	GCross1 mgl64.Vec3
	GCross2 mgl64.Vec3

	Rhs       float64
	RhsWoBias float64

	// Impulse accumulates within the current substep. TotalImpulse carries
	// the accumulated impulse across substeps for restitution solving.
	Impulse      float64
	TotalImpulse float64

	// R is the inverse of the normal-direction effective mass.
	R float64
}

// Solve performs one projected Gauss-Seidel step on the normal component,
// clamping the accumulated impulse to be non-negative and applying the
// impulse delta to both solver velocities in place.
func (p *NormalPart) Solve(cfmFactor float64, dir1, im1, im2 mgl64.Vec3, v1, v2 *dynamics.SolverVel) {
	dvel := dir1.Dot(v1.Linear) + p.GCross1.Dot(v1.Angular) -
		dir1.Dot(v2.Linear) + p.GCross2.Dot(v2.Angular) + p.Rhs

	newImpulse := cfmFactor * math.Max(p.Impulse-p.R*dvel, 0.0)
	dLambda := newImpulse - p.Impulse
	p.Impulse = newImpulse

	v1.Linear = v1.Linear.Add(mulElem(dir1, im1).Mul(dLambda))
	v1.Angular = v1.Angular.Add(p.GCross1.Mul(dLambda))
	v2.Linear = v2.Linear.Sub(mulElem(dir1, im2).Mul(dLambda))
	v2.Angular = v2.Angular.Add(p.GCross2.Mul(dLambda))
}

// TangentPart is the friction state of one contact point along the two
// tangent directions. R[2] is the cross-coupling term between the tangent
// axes; they are not independent when both bodies rotate.
type TangentPart struct {
	GCross1 [2]mgl64.Vec3
	GCross2 [2]mgl64.Vec3

	Rhs       [2]float64
	RhsWoBias [2]float64

	Impulse      mgl64.Vec2
	TotalImpulse mgl64.Vec2

	// R[0] and R[1] are the raw (non-inverted) tangent effective masses,
	// R[2] the coupling between them.
	R [3]float64
}

// Solve performs one coupled friction step across both tangent directions.
// The combined impulse magnitude is clamped to the friction-cone limit,
// preserving direction.
func (p *TangentPart) Solve(tangents [2]mgl64.Vec3, im1, im2 mgl64.Vec3, limit float64, v1, v2 *dynamics.SolverVel) {
	dvel0 := tangents[0].Dot(v1.Linear) + p.GCross1[0].Dot(v1.Angular) -
		tangents[0].Dot(v2.Linear) + p.GCross2[0].Dot(v2.Angular) + p.Rhs[0]
	dvel1 := tangents[1].Dot(v1.Linear) + p.GCross1[1].Dot(v1.Angular) -
		tangents[1].Dot(v2.Linear) + p.GCross2[1].Dot(v2.Angular) + p.Rhs[1]

	// Solve the coupled 2x2 system along the residual-velocity direction:
	// the effective mass along (dvel0, dvel1) mixes both tangent axes through
	// the coupling term.
	dvel00 := dvel0 * dvel0
	dvel11 := dvel1 * dvel1
	dvel01 := dvel0 * dvel1
	invLhs := (dvel00 + dvel11) * dynamics.Inv(dvel00*p.R[0]+dvel11*p.R[1]+dvel01*p.R[2])

	newImpulse := p.Impulse.Sub(mgl64.Vec2{invLhs * dvel0, invLhs * dvel1})
	if length := newImpulse.Len(); length > limit {
		newImpulse = newImpulse.Mul(limit / length)
	}

	dLambda := newImpulse.Sub(p.Impulse)
	p.Impulse = newImpulse

	dLinear := tangents[0].Mul(dLambda.X()).Add(tangents[1].Mul(dLambda.Y()))
	v1.Linear = v1.Linear.Add(mulElem(dLinear, im1))
	v1.Angular = v1.Angular.Add(p.GCross1[0].Mul(dLambda.X())).Add(p.GCross1[1].Mul(dLambda.Y()))
	v2.Linear = v2.Linear.Sub(mulElem(dLinear, im2))
	v2.Angular = v2.Angular.Add(p.GCross2[0].Mul(dLambda.X())).Add(p.GCross2[1].Mul(dLambda.Y()))
}

// Element is the full impulse state of one contact point.
type Element struct {
	Normal  NormalPart
	Tangent TangentPart
}

// SolveElementGroup runs the selected passes over a constraint's elements.
// Restitution-only passes solve the normal component without friction;
// friction passes solve friction without re-touching the normal. The
// friction-cone limit of each point is its coefficient times the normal
// impulse accumulated so far this substep.
func SolveElementGroup(
	cfmFactor float64,
	elements []Element,
	dir1, tangent1 mgl64.Vec3,
	im1, im2 mgl64.Vec3,
	limit float64,
	v1, v2 *dynamics.SolverVel,
	solveNormal, solveFriction bool,
) {
	if solveNormal {
		for i := range elements {
			elements[i].Normal.Solve(cfmFactor, dir1, im1, im2, v1, v2)
		}
	}

	if solveFriction {
		tangents := [2]mgl64.Vec3{tangent1, dir1.Cross(tangent1)}
		for i := range elements {
			pointLimit := limit * elements[i].Normal.Impulse
			elements[i].Tangent.Solve(tangents, im1, im2, pointLimit, v1, v2)
		}
	}
}

// mulElem multiplies two vectors componentwise.
func mulElem(a, b mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{a.X() * b.X(), a.Y() * b.Y(), a.Z() * b.Z()}
}
