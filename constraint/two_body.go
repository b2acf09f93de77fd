package constraint

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/legendofa/rapier/dynamics"
	"github.com/legendofa/rapier/geometry"
)

// ContactPointInfos holds the per-point data needed to refresh a constraint
// every substep without touching the manifold again. Created by the builder,
// read (never mutated) by the updater.
type ContactPointInfos struct {
	// LocalP1 and LocalP2 are the contact anchors in each body's local space,
	// so world positions can be recomputed from current poses.
	LocalP1 mgl64.Vec3
	LocalP2 mgl64.Vec3

	// TangentVel is the contact's surface velocity on the first body.
	TangentVel mgl64.Vec3

	// Dist is the separation distance measured at build time.
	Dist float64

	// NormalRhsWoBias is the restitution contribution, computed once at
	// build time from the approach velocity.
	NormalRhsWoBias float64
}

// TwoBodyConstraint is the solver-facing state of one manifold batch between
// two dynamic bodies.
type TwoBodyConstraint struct {
	// Dir1 is the non-penetration force direction for the first body (the
	// negated contact normal).
	Dir1 mgl64.Vec3

	// Tangent1 is the first friction force direction.
	Tangent1 mgl64.Vec3

	Im1 mgl64.Vec3
	Im2 mgl64.Vec3

	CfmFactor float64

	// Limit is the friction coefficient shared by the constraint's points.
	Limit float64

	// SolverVel1 and SolverVel2 index the global solver-velocity array. They
	// stay valid for the lifetime of one solve pass.
	SolverVel1 int
	SolverVel2 int

	ManifoldID        int
	ManifoldContactID [MaxManifoldPoints]uint8

	// IsFastContact reports that at least one point risks tunneling within
	// one full step; consumed by continuous collision detection.
	IsFastContact bool

	NumContacts int
	Elements    [MaxManifoldPoints]Element
}

// InvalidTwoBodyConstraint returns a sentinel-initialized constraint whose
// indices are never dereferenced. Arena slots start in this state.
func InvalidTwoBodyConstraint() TwoBodyConstraint {
	return TwoBodyConstraint{
		SolverVel1:        math.MaxInt,
		SolverVel2:        math.MaxInt,
		ManifoldID:        math.MaxInt,
		ManifoldContactID: [MaxManifoldPoints]uint8{math.MaxUint8, math.MaxUint8, math.MaxUint8, math.MaxUint8},
		NumContacts:       0,
	}
}

// TwoBodyConstraintBuilder holds what is needed to refresh constraints every
// substep. It lives only between a build and the following updates; it is
// re-derivable at any time by calling GenerateTwoBodyConstraints again.
type TwoBodyConstraintBuilder struct {
	Infos [MaxManifoldPoints]ContactPointInfos
}

// TwoBodyConstraintCount returns how many constraints a manifold expands to.
func TwoBodyConstraintCount(manifold *geometry.ContactManifold) int {
	return (len(manifold.Points) + MaxManifoldPoints - 1) / MaxManifoldPoints
}

// GenerateTwoBodyConstraints converts a manifold plus body state into
// solver-ready constraints, one per batch of up to MaxManifoldPoints contact
// points. Both bodies must have equal dominance; anything else belongs to a
// different solver path and is a programming error here. The output is
// deterministic given the manifold and body state.
func GenerateTwoBodyConstraints(
	manifoldID int,
	manifold *geometry.ContactManifold,
	bodies []*dynamics.RigidBody,
	outBuilders []TwoBodyConstraintBuilder,
	outConstraints []TwoBodyConstraint,
) {
	if manifold.RelativeDominance != 0 {
		panic("constraint: two-body contact requires equal dominance")
	}

	rb1 := bodies[manifold.Body1]
	rb2 := bodies[manifold.Body2]

	solverVel1 := rb1.ActiveSetOffset
	solverVel2 := rb2.ActiveSetOffset
	forceDir1 := manifold.Normal.Mul(-1)

	// One tangent frame per manifold, not per point.
	tangents1 := TangentContactDirections(forceDir1, rb1.LinVel, rb2.LinVel)

	for l := 0; l*MaxManifoldPoints < len(manifold.Points); l++ {
		points := manifold.Points[l*MaxManifoldPoints : min((l+1)*MaxManifoldPoints, len(manifold.Points))]

		builder := &outBuilders[l]
		c := &outConstraints[l]
		c.Dir1 = forceDir1
		c.Tangent1 = tangents1[0]
		c.Im1 = rb1.EffectiveInvMass
		c.Im2 = rb2.EffectiveInvMass
		c.SolverVel1 = solverVel1
		c.SolverVel2 = solverVel2
		c.ManifoldID = manifoldID
		c.NumContacts = len(points)

		for k := range points {
			point := &points[k]

			dp1 := point.Point.Sub(rb1.WorldCom)
			dp2 := point.Point.Sub(rb2.WorldCom)

			vel1 := rb1.LinVel.Add(rb1.AngVel.Cross(dp1))
			vel2 := rb2.LinVel.Add(rb2.AngVel.Cross(dp2))

			c.Limit = point.Friction
			c.ManifoldContactID[k] = point.ContactID

			imsum := rb1.EffectiveInvMass.Add(rb2.EffectiveInvMass)

			// Normal part.
			gcross1 := rb1.EffectiveWorldInvInertiaSqrt.Mul3x1(dp1.Cross(forceDir1))
			gcross2 := rb2.EffectiveWorldInvInertiaSqrt.Mul3x1(dp2.Cross(forceDir1.Mul(-1)))

			projectedMass := dynamics.Inv(
				forceDir1.Dot(mulElem(imsum, forceDir1)) + gcross1.Dot(gcross1) + gcross2.Dot(gcross2),
			)

			normalRhsWoBias := 0.0
			if point.IsBouncy {
				normalRhsWoBias = point.Restitution * vel1.Sub(vel2).Dot(forceDir1)
			}

			c.Elements[k].Normal = NormalPart{
				GCross1: gcross1,
				GCross2: gcross2,
				R:       projectedMass,
			}

			// Tangent parts.
			tangent := &c.Elements[k].Tangent
			*tangent = TangentPart{}
			for j := 0; j < 2; j++ {
				tgcross1 := rb1.EffectiveWorldInvInertiaSqrt.Mul3x1(dp1.Cross(tangents1[j]))
				tgcross2 := rb2.EffectiveWorldInvInertiaSqrt.Mul3x1(dp2.Cross(tangents1[j].Mul(-1)))
				r := tangents1[j].Dot(mulElem(imsum, tangents1[j])) +
					tgcross1.Dot(tgcross1) + tgcross2.Dot(tgcross2)
				rhsWoBias := point.TangentVelocity.Dot(tangents1[j])

				tangent.GCross1[j] = tgcross1
				tangent.GCross2[j] = tgcross2
				tangent.RhsWoBias[j] = rhsWoBias
				tangent.Rhs[j] = rhsWoBias
				tangent.R[j] = r
			}
			tangent.R[2] = 2.0 * (tangent.GCross1[0].Dot(tangent.GCross1[1]) +
				tangent.GCross2[0].Dot(tangent.GCross2[1]))

			builder.Infos[k] = ContactPointInfos{
				LocalP1:         rb1.Transform.InverseTransformPoint(point.Point),
				LocalP2:         rb2.Transform.InverseTransformPoint(point.Point),
				TangentVel:      point.TangentVelocity,
				Dist:            point.Dist,
				NormalRhsWoBias: normalRhsWoBias,
			}
		}
	}
}

// Update refreshes the constraint's right-hand sides from the current body
// poses. Runs once per substep, before the solve.
func (b *TwoBodyConstraintBuilder) Update(
	params *dynamics.IntegrationParameters,
	solvedDt float64,
	bodies []dynamics.SolverBody,
	c *TwoBodyConstraint,
) {
	rb1 := &bodies[c.SolverVel1]
	rb2 := &bodies[c.SolverVel2]
	ccdThickness := rb1.CcdThickness + rb2.CcdThickness
	b.UpdateWithPositions(params, solvedDt, rb1.Position, rb2.Position, ccdThickness, c)
}

// UpdateWithPositions recomputes, from the given poses, the true current
// separation at each contact point and rebuilds the bias terms. It carries
// the accumulated impulse forward into the historical field and resets the
// per-substep impulse; the element's impulse field remains the warm-start
// seed. Fast-contact classification happens here and is recomputed on every
// call, never carried over.
func (b *TwoBodyConstraintBuilder) UpdateWithPositions(
	params *dynamics.IntegrationParameters,
	solvedDt float64,
	rb1Pos, rb2Pos dynamics.Transform,
	ccdThickness float64,
	c *TwoBodyConstraint,
) {
	invDt := params.InvDt()
	erpInvDt := params.ErpInvDt()

	isFastContact := false
	tangents1 := [2]mgl64.Vec3{c.Tangent1, c.Dir1.Cross(c.Tangent1)}

	for k := 0; k < c.NumContacts; k++ {
		info := &b.Infos[k]
		element := &c.Elements[k]

		// Tangent velocity is equivalent to the first body's surface moving
		// artificially.
		p1 := rb1Pos.TransformPoint(info.LocalP1).Add(info.TangentVel.Mul(solvedDt))
		p2 := rb2Pos.TransformPoint(info.LocalP2)
		dist := info.Dist + p1.Sub(p2).Dot(c.Dir1)

		// Normal part. The max(dist, 0) term keeps separating contacts from
		// being pulled back together; the bias only ever corrects penetration
		// beyond the allowed slop, capped by the maximum correction rate.
		rhsWoBias := info.NormalRhsWoBias + math.Max(dist, 0.0)*invDt
		rhsBias := erpInvDt * clamp(dist+params.AllowedLinearError, -params.MaxPenetrationCorrection, 0.0)
		newRhs := rhsWoBias + rhsBias
		isFastContact = isFastContact || (-newRhs*params.Dt > ccdThickness*0.5)

		element.Normal.TotalImpulse += element.Normal.Impulse
		element.Normal.RhsWoBias = rhsWoBias
		element.Normal.Rhs = newRhs
		element.Normal.Impulse = 0.0

		// Tangent part.
		element.Tangent.TotalImpulse = element.Tangent.TotalImpulse.Add(element.Tangent.Impulse)
		element.Tangent.Impulse = mgl64.Vec2{}
		for j := 0; j < 2; j++ {
			bias := p1.Sub(p2).Dot(tangents1[j]) * invDt
			element.Tangent.Rhs[j] = element.Tangent.RhsWoBias[j] + bias
		}
	}

	// A tunneling risk disables constraint-force mixing for the whole
	// constraint this substep.
	c.IsFastContact = isFastContact
	if isFastContact {
		c.CfmFactor = 1.0
	} else {
		c.CfmFactor = params.CfmFactor
	}
}

// Solve performs one Gauss-Seidel step over the constraint's elements: it
// reads both bodies' current solver velocities by index, updates the selected
// components, and stores the velocities back so the next constraint sharing a
// body sees the result immediately.
func (c *TwoBodyConstraint) Solve(vels []dynamics.SolverVel, solveNormal, solveFriction bool) {
	v1 := vels[c.SolverVel1]
	v2 := vels[c.SolverVel2]

	SolveElementGroup(
		c.CfmFactor,
		c.Elements[:c.NumContacts],
		c.Dir1, c.Tangent1,
		c.Im1, c.Im2,
		c.Limit,
		&v1, &v2,
		solveNormal, solveFriction,
	)

	vels[c.SolverVel1] = v1
	vels[c.SolverVel2] = v2
}

// WritebackImpulses copies the solved impulses back into the owning manifold,
// matched by contact id. This is the only place the core mutates shared
// manifold state.
func (c *TwoBodyConstraint) WritebackImpulses(manifolds []*geometry.ContactManifold) {
	manifold := manifolds[c.ManifoldID]

	for k := 0; k < c.NumContacts; k++ {
		contactID := int(c.ManifoldContactID[k])
		if contactID >= len(manifold.Data) {
			panic(fmt.Sprintf("constraint: stale contact id %d during writeback", contactID))
		}

		manifold.Data[contactID].Impulse = c.Elements[k].Normal.Impulse
		manifold.Data[contactID].TangentImpulse = c.Elements[k].Tangent.Impulse
	}
}

// RemoveCfmAndBiasFromRhs resets the mixing factor to neutral and collapses
// every right-hand side to its bias-free form, so that stabilization and
// softening do not leak into the restitution pass. The per-substep impulse is
// deliberately NOT reseeded from the accumulated total: earlier substeps'
// impulses are already applied and restoring them would double-count.
func (c *TwoBodyConstraint) RemoveCfmAndBiasFromRhs() {
	c.CfmFactor = 1.0
	for i := range c.Elements {
		c.Elements[i].Normal.Rhs = c.Elements[i].Normal.RhsWoBias
		c.Elements[i].Tangent.Rhs = c.Elements[i].Tangent.RhsWoBias
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
