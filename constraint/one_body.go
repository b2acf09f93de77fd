package constraint

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/legendofa/rapier/dynamics"
	"github.com/legendofa/rapier/geometry"
)

// OneBodyConstraint handles contacts where the first body is static or
// kinematic: only the second body is solved, and the first body's point
// velocity is folded into the right-hand side instead.
type OneBodyConstraint struct {
	Dir1     mgl64.Vec3
	Tangent1 mgl64.Vec3

	Im2 mgl64.Vec3

	CfmFactor float64
	Limit     float64

	SolverVel2 int

	ManifoldID        int
	ManifoldContactID [MaxManifoldPoints]uint8

	IsFastContact bool

	NumContacts int
	Elements    [MaxManifoldPoints]Element
}

// InvalidOneBodyConstraint returns a sentinel-initialized constraint whose
// indices are never dereferenced.
func InvalidOneBodyConstraint() OneBodyConstraint {
	return OneBodyConstraint{
		SolverVel2:        math.MaxInt,
		ManifoldID:        math.MaxInt,
		ManifoldContactID: [MaxManifoldPoints]uint8{math.MaxUint8, math.MaxUint8, math.MaxUint8, math.MaxUint8},
		NumContacts:       0,
	}
}

// OneBodyConstraintBuilder refreshes one-body constraints across substeps.
// The first body is not part of the solver's active set, so its pose and
// velocity are captured here at build time.
type OneBodyConstraintBuilder struct {
	Rb1Pose         dynamics.Transform
	Rb1LinVel       mgl64.Vec3
	Rb1AngVel       mgl64.Vec3
	Rb1CcdThickness float64

	Infos [MaxManifoldPoints]ContactPointInfos
}

// GenerateOneBodyConstraints converts a manifold whose first body is static,
// kinematic, or dominance-locked into solver-ready constraints. The first
// body's velocity at each contact point becomes part of the right-hand side;
// the solve itself only ever touches the second body's velocity slot.
func GenerateOneBodyConstraints(
	manifoldID int,
	manifold *geometry.ContactManifold,
	bodies []*dynamics.RigidBody,
	outBuilders []OneBodyConstraintBuilder,
	outConstraints []OneBodyConstraint,
) {
	rb1 := bodies[manifold.Body1]
	rb2 := bodies[manifold.Body2]

	if rb1.IsDynamic() && manifold.RelativeDominance <= 0 {
		panic("constraint: one-body contact requires a non-dynamic or dominant first body")
	}

	forceDir1 := manifold.Normal.Mul(-1)
	tangents1 := TangentContactDirections(forceDir1, rb1.LinVel, rb2.LinVel)

	for l := 0; l*MaxManifoldPoints < len(manifold.Points); l++ {
		points := manifold.Points[l*MaxManifoldPoints : min((l+1)*MaxManifoldPoints, len(manifold.Points))]

		builder := &outBuilders[l]
		builder.Rb1Pose = rb1.Transform
		builder.Rb1LinVel = rb1.LinVel
		builder.Rb1AngVel = rb1.AngVel
		builder.Rb1CcdThickness = rb1.CcdThickness

		c := &outConstraints[l]
		c.Dir1 = forceDir1
		c.Tangent1 = tangents1[0]
		c.Im2 = rb2.EffectiveInvMass
		c.SolverVel2 = rb2.ActiveSetOffset
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

			// Normal part. GCross1 stays zero: the first body never moves in
			// response, so its projection term vanishes from the effective
			// mass and its velocity lives in the rhs instead.
			gcross2 := rb2.EffectiveWorldInvInertiaSqrt.Mul3x1(dp2.Cross(forceDir1.Mul(-1)))

			projectedMass := dynamics.Inv(
				forceDir1.Dot(mulElem(rb2.EffectiveInvMass, forceDir1)) + gcross2.Dot(gcross2),
			)

			normalRhsWoBias := vel1.Dot(forceDir1)
			if point.IsBouncy {
				normalRhsWoBias += point.Restitution * vel1.Sub(vel2).Dot(forceDir1)
			}

			c.Elements[k].Normal = NormalPart{
				GCross2: gcross2,
				R:       projectedMass,
			}

			// Tangent parts.
			tangent := &c.Elements[k].Tangent
			*tangent = TangentPart{}
			for j := 0; j < 2; j++ {
				tgcross2 := rb2.EffectiveWorldInvInertiaSqrt.Mul3x1(dp2.Cross(tangents1[j].Mul(-1)))
				r := tangents1[j].Dot(mulElem(rb2.EffectiveInvMass, tangents1[j])) +
					tgcross2.Dot(tgcross2)
				rhsWoBias := vel1.Add(point.TangentVelocity).Dot(tangents1[j])

				tangent.GCross2[j] = tgcross2
				tangent.RhsWoBias[j] = rhsWoBias
				tangent.Rhs[j] = rhsWoBias
				tangent.R[j] = r
			}
			tangent.R[2] = 2.0 * tangent.GCross2[0].Dot(tangent.GCross2[1])

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

// Update refreshes the right-hand sides from the second body's current pose.
// The first body's pose is advanced from its captured velocity, so kinematic
// platforms keep pushing correctly across substeps.
func (b *OneBodyConstraintBuilder) Update(
	params *dynamics.IntegrationParameters,
	solvedDt float64,
	bodies []dynamics.SolverBody,
	c *OneBodyConstraint,
) {
	rb2 := &bodies[c.SolverVel2]
	ccdThickness := b.Rb1CcdThickness + rb2.CcdThickness
	b.UpdateWithPositions(params, solvedDt, rb2.Position, ccdThickness, c)
}

// UpdateWithPositions is the pose-explicit form of Update.
func (b *OneBodyConstraintBuilder) UpdateWithPositions(
	params *dynamics.IntegrationParameters,
	solvedDt float64,
	rb2Pos dynamics.Transform,
	ccdThickness float64,
	c *OneBodyConstraint,
) {
	invDt := params.InvDt()
	erpInvDt := params.ErpInvDt()

	rb1Pos := integratePose(b.Rb1Pose, b.Rb1LinVel, b.Rb1AngVel, solvedDt)

	isFastContact := false
	tangents1 := [2]mgl64.Vec3{c.Tangent1, c.Dir1.Cross(c.Tangent1)}

	for k := 0; k < c.NumContacts; k++ {
		info := &b.Infos[k]
		element := &c.Elements[k]

		p1 := rb1Pos.TransformPoint(info.LocalP1).Add(info.TangentVel.Mul(solvedDt))
		p2 := rb2Pos.TransformPoint(info.LocalP2)
		dist := info.Dist + p1.Sub(p2).Dot(c.Dir1)

		rhsWoBias := info.NormalRhsWoBias + math.Max(dist, 0.0)*invDt
		rhsBias := erpInvDt * clamp(dist+params.AllowedLinearError, -params.MaxPenetrationCorrection, 0.0)
		newRhs := rhsWoBias + rhsBias
		isFastContact = isFastContact || (-newRhs*params.Dt > ccdThickness*0.5)

		element.Normal.TotalImpulse += element.Normal.Impulse
		element.Normal.RhsWoBias = rhsWoBias
		element.Normal.Rhs = newRhs
		element.Normal.Impulse = 0.0

		element.Tangent.TotalImpulse = element.Tangent.TotalImpulse.Add(element.Tangent.Impulse)
		element.Tangent.Impulse = mgl64.Vec2{}
		for j := 0; j < 2; j++ {
			bias := p1.Sub(p2).Dot(tangents1[j]) * invDt
			element.Tangent.Rhs[j] = element.Tangent.RhsWoBias[j] + bias
		}
	}

	c.IsFastContact = isFastContact
	if isFastContact {
		c.CfmFactor = 1.0
	} else {
		c.CfmFactor = params.CfmFactor
	}
}

// Solve performs one Gauss-Seidel step on the second body's velocity slot.
// The first body is represented by a discarded zero velocity with zero
// inverse mass, which reduces the shared projection primitive to the
// one-body equations exactly.
func (c *OneBodyConstraint) Solve(vels []dynamics.SolverVel, solveNormal, solveFriction bool) {
	var v1 dynamics.SolverVel
	v2 := vels[c.SolverVel2]

	SolveElementGroup(
		c.CfmFactor,
		c.Elements[:c.NumContacts],
		c.Dir1, c.Tangent1,
		mgl64.Vec3{}, c.Im2,
		c.Limit,
		&v1, &v2,
		solveNormal, solveFriction,
	)

	vels[c.SolverVel2] = v2
}

// WritebackImpulses copies the solved impulses back into the owning manifold.
func (c *OneBodyConstraint) WritebackImpulses(manifolds []*geometry.ContactManifold) {
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

// RemoveCfmAndBiasFromRhs resets the mixing factor and collapses the
// right-hand sides to their bias-free form before a restitution pass.
func (c *OneBodyConstraint) RemoveCfmAndBiasFromRhs() {
	c.CfmFactor = 1.0
	for i := range c.Elements {
		c.Elements[i].Normal.Rhs = c.Elements[i].Normal.RhsWoBias
		c.Elements[i].Tangent.Rhs = c.Elements[i].Tangent.RhsWoBias
	}
}

// integratePose advances a pose by the given velocities over dt.
func integratePose(pose dynamics.Transform, linvel, angvel mgl64.Vec3, dt float64) dynamics.Transform {
	position := pose.Position.Add(linvel.Mul(dt))

	rotation := pose.Rotation
	if angvel.Len() > 0 {
		omega := mgl64.Quat{W: 0, V: angvel}
		rotation = rotation.Add(omega.Mul(rotation).Scale(0.5 * dt)).Normalize()
	}

	return dynamics.TransformAt(position, rotation)
}
