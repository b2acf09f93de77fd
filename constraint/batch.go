package constraint

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/legendofa/rapier/dynamics"
	"github.com/legendofa/rapier/geometry"
	"github.com/legendofa/rapier/wide"
)

// BatchSolverVel is the lockstep view of up to four solver-velocity slots.
type BatchSolverVel struct {
	Linear  wide.Vec3
	Angular wide.Vec3
}

// BatchNormalPart is the lane-parallel twin of NormalPart.
type BatchNormalPart struct {
	GCross1 wide.Vec3
	GCross2 wide.Vec3

	Rhs       wide.Float
	RhsWoBias wide.Float

	Impulse      wide.Float
	TotalImpulse wide.Float

	R wide.Float
}

// Solve mirrors NormalPart.Solve across all lanes at once; the non-negativity
// clamp is a per-lane max instead of a branch.
func (p *BatchNormalPart) Solve(cfmFactor wide.Float, dir1, im1, im2 wide.Vec3, v1, v2 *BatchSolverVel) {
	dvel := dir1.Dot(v1.Linear).Add(p.GCross1.Dot(v1.Angular)).
		Sub(dir1.Dot(v2.Linear)).Add(p.GCross2.Dot(v2.Angular)).Add(p.Rhs)

	newImpulse := cfmFactor.Mul(p.Impulse.Sub(p.R.Mul(dvel)).Max(wide.Splat(0)))
	dLambda := newImpulse.Sub(p.Impulse)
	p.Impulse = newImpulse

	v1.Linear = v1.Linear.Add(dir1.MulElem(im1).Scale(dLambda))
	v1.Angular = v1.Angular.Add(p.GCross1.Scale(dLambda))
	v2.Linear = v2.Linear.Sub(dir1.MulElem(im2).Scale(dLambda))
	v2.Angular = v2.Angular.Add(p.GCross2.Scale(dLambda))
}

// BatchTangentPart is the lane-parallel twin of TangentPart.
type BatchTangentPart struct {
	GCross1 [2]wide.Vec3
	GCross2 [2]wide.Vec3

	Rhs       [2]wide.Float
	RhsWoBias [2]wide.Float

	Impulse      wide.Vec2
	TotalImpulse wide.Vec2

	R [3]wide.Float
}

// Solve mirrors TangentPart.Solve across all lanes; the friction-cone clamp
// uses a per-lane select.
func (p *BatchTangentPart) Solve(tangents [2]wide.Vec3, im1, im2 wide.Vec3, limit wide.Float, v1, v2 *BatchSolverVel) {
	dvel0 := tangents[0].Dot(v1.Linear).Add(p.GCross1[0].Dot(v1.Angular)).
		Sub(tangents[0].Dot(v2.Linear)).Add(p.GCross2[0].Dot(v2.Angular)).Add(p.Rhs[0])
	dvel1 := tangents[1].Dot(v1.Linear).Add(p.GCross1[1].Dot(v1.Angular)).
		Sub(tangents[1].Dot(v2.Linear)).Add(p.GCross2[1].Dot(v2.Angular)).Add(p.Rhs[1])

	dvel00 := dvel0.Mul(dvel0)
	dvel11 := dvel1.Mul(dvel1)
	dvel01 := dvel0.Mul(dvel1)
	invLhs := dvel00.Add(dvel11).
		Mul(dvel00.Mul(p.R[0]).Add(dvel11.Mul(p.R[1])).Add(dvel01.Mul(p.R[2])).Inv())

	newImpulse := p.Impulse.Sub(wide.Vec2{X: invLhs.Mul(dvel0), Y: invLhs.Mul(dvel1)})
	newImpulse = newImpulse.CapMagnitude(limit)

	dLambda := newImpulse.Sub(p.Impulse)
	p.Impulse = newImpulse

	dLinear := tangents[0].Scale(dLambda.X).Add(tangents[1].Scale(dLambda.Y))
	v1.Linear = v1.Linear.Add(dLinear.MulElem(im1))
	v1.Angular = v1.Angular.Add(p.GCross1[0].Scale(dLambda.X)).Add(p.GCross1[1].Scale(dLambda.Y))
	v2.Linear = v2.Linear.Sub(dLinear.MulElem(im2))
	v2.Angular = v2.Angular.Add(p.GCross2[0].Scale(dLambda.X)).Add(p.GCross2[1].Scale(dLambda.Y))
}

// BatchElement is the lockstep impulse state of one contact point per lane.
type BatchElement struct {
	Normal  BatchNormalPart
	Tangent BatchTangentPart
}

// BatchContactPointInfos is the lane-parallel twin of ContactPointInfos.
type BatchContactPointInfos struct {
	LocalP1 wide.Vec3
	LocalP2 wide.Vec3

	TangentVel wide.Vec3

	Dist            wide.Float
	NormalRhsWoBias wide.Float
}

// BatchTwoBodyConstraint solves up to four independent two-body contact
// constraints in lockstep. Lanes must not share a body: the gather/scatter
// around the solve would lose updates between lanes aliasing a velocity slot.
type BatchTwoBodyConstraint struct {
	Dir1     wide.Vec3
	Tangent1 wide.Vec3

	Im1 wide.Vec3
	Im2 wide.Vec3

	CfmFactor wide.Float
	Limit     wide.Float

	SolverVel1 [wide.Lanes]int
	SolverVel2 [wide.Lanes]int

	ManifoldID        [wide.Lanes]int
	ManifoldContactID [wide.Lanes][MaxManifoldPoints]uint8

	// LaneContacts is the contact count of each lane; lanes beyond the
	// populated ones hold zero and never scatter.
	LaneContacts [wide.Lanes]int

	IsFastContact wide.Mask

	// NumContacts is the largest lane contact count; shorter lanes are
	// padded with zero-effective-mass elements that solve to zero impulse.
	NumContacts int
	Elements    [MaxManifoldPoints]BatchElement
}

// BatchTwoBodyConstraintBuilder refreshes a batch constraint across substeps.
type BatchTwoBodyConstraintBuilder struct {
	Infos [MaxManifoldPoints]BatchContactPointInfos
}

// GenerateBatchTwoBodyConstraints packs one to four single-batch manifolds
// into one lockstep constraint. Every manifold must fit a single batch
// (at most MaxManifoldPoints points) and reference two dynamic bodies of
// equal dominance; larger manifolds take the scalar path.
func GenerateBatchTwoBodyConstraints(
	manifoldIDs []int,
	manifolds []*geometry.ContactManifold,
	bodies []*dynamics.RigidBody,
	outBuilder *BatchTwoBodyConstraintBuilder,
	outConstraint *BatchTwoBodyConstraint,
) {
	lanes := len(manifolds)
	if lanes == 0 || lanes > wide.Lanes {
		panic(fmt.Sprintf("constraint: batch requires 1 to %d manifolds, got %d", wide.Lanes, lanes))
	}

	c := outConstraint
	*c = BatchTwoBodyConstraint{}

	var forceDir1, linvel1, linvel2 [wide.Lanes]mgl64.Vec3
	var angvel1, angvel2 [wide.Lanes]mgl64.Vec3
	var com1, com2 [wide.Lanes]mgl64.Vec3
	var im1, im2 [wide.Lanes]mgl64.Vec3

	numContacts := 0
	for i := 0; i < wide.Lanes; i++ {
		// Missing lanes mirror lane 0's indices with zero masses and zero
		// contacts: they solve to zero impulse and never scatter.
		lane := min(i, lanes-1)
		m := manifolds[lane]
		if m.RelativeDominance != 0 {
			panic("constraint: two-body contact requires equal dominance")
		}
		if len(m.Points) > MaxManifoldPoints {
			panic("constraint: batched manifolds must fit a single contact batch")
		}

		rb1 := bodies[m.Body1]
		rb2 := bodies[m.Body2]

		forceDir1[i] = m.Normal.Mul(-1)
		linvel1[i], linvel2[i] = rb1.LinVel, rb2.LinVel
		angvel1[i], angvel2[i] = rb1.AngVel, rb2.AngVel
		com1[i], com2[i] = rb1.WorldCom, rb2.WorldCom

		c.SolverVel1[i] = rb1.ActiveSetOffset
		c.SolverVel2[i] = rb2.ActiveSetOffset
		c.ManifoldID[i] = manifoldIDs[lane]

		if i < lanes {
			im1[i], im2[i] = rb1.EffectiveInvMass, rb2.EffectiveInvMass
			c.LaneContacts[i] = len(m.Points)
			numContacts = max(numContacts, len(m.Points))
		}
	}

	c.NumContacts = numContacts
	c.Dir1 = wide.GatherVec3(forceDir1)
	c.Im1 = wide.GatherVec3(im1)
	c.Im2 = wide.GatherVec3(im2)

	tangents1 := TangentContactDirectionsWide(c.Dir1, wide.GatherVec3(linvel1), wide.GatherVec3(linvel2))
	c.Tangent1 = tangents1[0]

	wAngvel1 := wide.GatherVec3(angvel1)
	wAngvel2 := wide.GatherVec3(angvel2)
	wCom1 := wide.GatherVec3(com1)
	wCom2 := wide.GatherVec3(com2)
	imsum := c.Im1.Add(c.Im2)

	for k := 0; k < numContacts; k++ {
		var point, tangentVel, localP1, localP2 [wide.Lanes]mgl64.Vec3
		var gcross1, gcross2 [wide.Lanes]mgl64.Vec3
		var tgcross1, tgcross2 [2][wide.Lanes]mgl64.Vec3
		var dist, friction, restitution [wide.Lanes]float64
		var bouncy, liveLanes wide.Mask

		tangentLanes := [2]mgl64.Vec3{}
		for i := 0; i < wide.Lanes; i++ {
			lane := min(i, lanes-1)
			m := manifolds[lane]
			pt := &m.Points[min(k, len(m.Points)-1)]
			live := i < lanes && k < len(m.Points)
			liveLanes[i] = live

			rb1 := bodies[m.Body1]
			rb2 := bodies[m.Body2]

			point[i] = pt.Point
			tangentVel[i] = pt.TangentVelocity
			dist[i] = pt.Dist
			localP1[i] = rb1.Transform.InverseTransformPoint(pt.Point)
			localP2[i] = rb2.Transform.InverseTransformPoint(pt.Point)

			if live {
				friction[i] = pt.Friction
				restitution[i] = pt.Restitution
				bouncy[i] = pt.IsBouncy
				c.ManifoldContactID[i][k] = pt.ContactID

				dp1 := pt.Point.Sub(rb1.WorldCom)
				dp2 := pt.Point.Sub(rb2.WorldCom)
				gcross1[i] = rb1.EffectiveWorldInvInertiaSqrt.Mul3x1(dp1.Cross(forceDir1[i]))
				gcross2[i] = rb2.EffectiveWorldInvInertiaSqrt.Mul3x1(dp2.Cross(forceDir1[i].Mul(-1)))
				for j := 0; j < 2; j++ {
					tangentLanes[j] = tangents1[j].Lane(i)
					tgcross1[j][i] = rb1.EffectiveWorldInvInertiaSqrt.Mul3x1(dp1.Cross(tangentLanes[j]))
					tgcross2[j][i] = rb2.EffectiveWorldInvInertiaSqrt.Mul3x1(dp2.Cross(tangentLanes[j].Mul(-1)))
				}
			}
		}

		wPoint := wide.GatherVec3(point)
		wDist := wide.Float(dist)
		wFriction := wide.Float(friction)
		wTangentVel := wide.GatherVec3(tangentVel)

		c.Limit = wFriction

		// Normal part.
		dp1 := wPoint.Sub(wCom1)
		dp2 := wPoint.Sub(wCom2)
		vel1 := wide.GatherVec3(linvel1).Add(wAngvel1.Cross(dp1))
		vel2 := wide.GatherVec3(linvel2).Add(wAngvel2.Cross(dp2))

		wGCross1 := wide.GatherVec3(gcross1)
		wGCross2 := wide.GatherVec3(gcross2)

		projectedMass := c.Dir1.Dot(imsum.MulElem(c.Dir1)).
			Add(wGCross1.Dot(wGCross1)).Add(wGCross2.Dot(wGCross2)).Inv()

		restitutionRhs := wide.Float(restitution).Mul(vel1.Sub(vel2).Dot(c.Dir1))
		normalRhsWoBias := wide.Select(bouncy, restitutionRhs, wide.Splat(0))

		// Lanes whose manifold has fewer points than the batch get a zero
		// effective mass here: their padded element can never accumulate an
		// impulse, whatever the rhs or mixing factor ends up being.
		c.Elements[k].Normal = BatchNormalPart{
			GCross1: wGCross1,
			GCross2: wGCross2,
			R:       wide.Select(liveLanes, projectedMass, wide.Splat(0)),
		}

		// Tangent parts.
		tangent := &c.Elements[k].Tangent
		*tangent = BatchTangentPart{}
		for j := 0; j < 2; j++ {
			wTGCross1 := wide.GatherVec3(tgcross1[j])
			wTGCross2 := wide.GatherVec3(tgcross2[j])
			r := tangents1[j].Dot(imsum.MulElem(tangents1[j])).
				Add(wTGCross1.Dot(wTGCross1)).Add(wTGCross2.Dot(wTGCross2))
			rhsWoBias := wTangentVel.Dot(tangents1[j])

			tangent.GCross1[j] = wTGCross1
			tangent.GCross2[j] = wTGCross2
			tangent.RhsWoBias[j] = rhsWoBias
			tangent.Rhs[j] = rhsWoBias
			tangent.R[j] = wide.Select(liveLanes, r, wide.Splat(0))
		}
		tangent.R[2] = tangent.GCross1[0].Dot(tangent.GCross1[1]).
			Add(tangent.GCross2[0].Dot(tangent.GCross2[1])).Mul(wide.Splat(2))

		outBuilder.Infos[k] = BatchContactPointInfos{
			LocalP1:         wide.GatherVec3(localP1),
			LocalP2:         wide.GatherVec3(localP2),
			TangentVel:      wTangentVel,
			Dist:            wDist,
			NormalRhsWoBias: normalRhsWoBias,
		}
	}
}

// Update refreshes the batch right-hand sides from the lanes' current poses,
// entirely in lockstep once the poses are gathered.
func (b *BatchTwoBodyConstraintBuilder) Update(
	params *dynamics.IntegrationParameters,
	solvedDt float64,
	bodies []dynamics.SolverBody,
	c *BatchTwoBodyConstraint,
) {
	invDt := wide.Splat(params.InvDt())
	erpInvDt := wide.Splat(params.ErpInvDt())
	dt := wide.Splat(params.Dt)

	var ccd [wide.Lanes]float64
	for i := 0; i < wide.Lanes; i++ {
		ccd[i] = bodies[c.SolverVel1[i]].CcdThickness + bodies[c.SolverVel2[i]].CcdThickness
	}
	halfCcd := wide.Float(ccd).Mul(wide.Splat(0.5))

	isFastContact := wide.Mask{}
	tangents1 := [2]wide.Vec3{c.Tangent1, c.Dir1.Cross(c.Tangent1)}

	for k := 0; k < c.NumContacts; k++ {
		info := &b.Infos[k]
		element := &c.Elements[k]

		var p1Lanes, p2Lanes [wide.Lanes]mgl64.Vec3
		for i := 0; i < wide.Lanes; i++ {
			p1Lanes[i] = bodies[c.SolverVel1[i]].Position.TransformPoint(info.LocalP1.Lane(i))
			p2Lanes[i] = bodies[c.SolverVel2[i]].Position.TransformPoint(info.LocalP2.Lane(i))
		}
		p1 := wide.GatherVec3(p1Lanes).Add(info.TangentVel.Scale(wide.Splat(solvedDt)))
		p2 := wide.GatherVec3(p2Lanes)
		dist := info.Dist.Add(p1.Sub(p2).Dot(c.Dir1))

		// Normal part.
		rhsWoBias := info.NormalRhsWoBias.Add(dist.Max(wide.Splat(0)).Mul(invDt))
		rhsBias := erpInvDt.Mul(
			dist.Add(wide.Splat(params.AllowedLinearError)).
				Clamp(wide.Splat(-params.MaxPenetrationCorrection), wide.Splat(0)),
		)
		newRhs := rhsWoBias.Add(rhsBias)
		isFastContact = isFastContact.Or(newRhs.Neg().Mul(dt).Gt(halfCcd))

		element.Normal.TotalImpulse = element.Normal.TotalImpulse.Add(element.Normal.Impulse)
		element.Normal.RhsWoBias = rhsWoBias
		element.Normal.Rhs = newRhs
		element.Normal.Impulse = wide.Splat(0)

		// Tangent part.
		element.Tangent.TotalImpulse = element.Tangent.TotalImpulse.Add(element.Tangent.Impulse)
		element.Tangent.Impulse = wide.Vec2{}
		for j := 0; j < 2; j++ {
			bias := p1.Sub(p2).Dot(tangents1[j]).Mul(invDt)
			element.Tangent.Rhs[j] = element.Tangent.RhsWoBias[j].Add(bias)
		}
	}

	c.IsFastContact = isFastContact
	c.CfmFactor = wide.Splat(params.CfmFactor)
	if isFastContact.Any() {
		c.CfmFactor = wide.Select(isFastContact, wide.Splat(1.0), c.CfmFactor)
	}
}

// Solve gathers the lanes' solver velocities, runs the selected passes in
// lockstep, and scatters the populated lanes back.
func (c *BatchTwoBodyConstraint) Solve(vels []dynamics.SolverVel, solveNormal, solveFriction bool) {
	v1 := c.gatherVels(vels, c.SolverVel1)
	v2 := c.gatherVels(vels, c.SolverVel2)

	if solveNormal {
		for k := 0; k < c.NumContacts; k++ {
			c.Elements[k].Normal.Solve(c.CfmFactor, c.Dir1, c.Im1, c.Im2, &v1, &v2)
		}
	}

	if solveFriction {
		tangents := [2]wide.Vec3{c.Tangent1, c.Dir1.Cross(c.Tangent1)}
		for k := 0; k < c.NumContacts; k++ {
			limit := c.Limit.Mul(c.Elements[k].Normal.Impulse)
			c.Elements[k].Tangent.Solve(tangents, c.Im1, c.Im2, limit, &v1, &v2)
		}
	}

	c.scatterVels(vels, c.SolverVel1, v1)
	c.scatterVels(vels, c.SolverVel2, v2)
}

func (c *BatchTwoBodyConstraint) gatherVels(vels []dynamics.SolverVel, slots [wide.Lanes]int) BatchSolverVel {
	var linear, angular [wide.Lanes]mgl64.Vec3
	for i, slot := range slots {
		linear[i] = vels[slot].Linear
		angular[i] = vels[slot].Angular
	}

	return BatchSolverVel{Linear: wide.GatherVec3(linear), Angular: wide.GatherVec3(angular)}
}

func (c *BatchTwoBodyConstraint) scatterVels(vels []dynamics.SolverVel, slots [wide.Lanes]int, v BatchSolverVel) {
	for i, slot := range slots {
		if c.LaneContacts[i] == 0 {
			continue
		}

		vels[slot] = dynamics.SolverVel{Linear: v.Linear.Lane(i), Angular: v.Angular.Lane(i)}
	}
}

// WritebackImpulses copies each lane's solved impulses back into its
// manifold, matched by contact id.
func (c *BatchTwoBodyConstraint) WritebackImpulses(manifolds []*geometry.ContactManifold) {
	for i := 0; i < wide.Lanes; i++ {
		if c.LaneContacts[i] == 0 {
			continue
		}

		manifold := manifolds[c.ManifoldID[i]]
		for k := 0; k < c.LaneContacts[i]; k++ {
			contactID := int(c.ManifoldContactID[i][k])
			if contactID >= len(manifold.Data) {
				panic(fmt.Sprintf("constraint: stale contact id %d during writeback", contactID))
			}

			manifold.Data[contactID].Impulse = c.Elements[k].Normal.Impulse[i]
			manifold.Data[contactID].TangentImpulse = c.Elements[k].Tangent.Impulse.Lane(i)
		}
	}
}

// RemoveCfmAndBiasFromRhs resets the mixing factor and collapses every lane's
// right-hand sides to their bias-free form.
func (c *BatchTwoBodyConstraint) RemoveCfmAndBiasFromRhs() {
	c.CfmFactor = wide.Splat(1.0)
	for i := range c.Elements {
		c.Elements[i].Normal.Rhs = c.Elements[i].Normal.RhsWoBias
		c.Elements[i].Tangent.Rhs = c.Elements[i].Tangent.RhsWoBias
	}
}

// BatchOneBodyConstraint solves up to four independent one-body contact
// constraints in lockstep. The first bodies are static or kinematic; their
// velocities are folded into the right-hand sides like the scalar one-body
// path.
type BatchOneBodyConstraint struct {
	Dir1     wide.Vec3
	Tangent1 wide.Vec3

	Im2 wide.Vec3

	CfmFactor wide.Float
	Limit     wide.Float

	SolverVel2 [wide.Lanes]int

	ManifoldID        [wide.Lanes]int
	ManifoldContactID [wide.Lanes][MaxManifoldPoints]uint8

	LaneContacts [wide.Lanes]int

	IsFastContact wide.Mask

	NumContacts int
	Elements    [MaxManifoldPoints]BatchElement
}

// BatchOneBodyConstraintBuilder refreshes a one-body batch across substeps,
// carrying each lane's captured first-body state.
type BatchOneBodyConstraintBuilder struct {
	Rb1Pose         [wide.Lanes]dynamics.Transform
	Rb1LinVel       [wide.Lanes]mgl64.Vec3
	Rb1AngVel       [wide.Lanes]mgl64.Vec3
	Rb1CcdThickness [wide.Lanes]float64

	Infos [MaxManifoldPoints]BatchContactPointInfos
}

// GenerateBatchOneBodyConstraints packs one to four single-batch one-body
// manifolds into one lockstep constraint.
func GenerateBatchOneBodyConstraints(
	manifoldIDs []int,
	manifolds []*geometry.ContactManifold,
	bodies []*dynamics.RigidBody,
	outBuilder *BatchOneBodyConstraintBuilder,
	outConstraint *BatchOneBodyConstraint,
) {
	lanes := len(manifolds)
	if lanes == 0 || lanes > wide.Lanes {
		panic(fmt.Sprintf("constraint: batch requires 1 to %d manifolds, got %d", wide.Lanes, lanes))
	}

	c := outConstraint
	*c = BatchOneBodyConstraint{}

	var forceDir1, linvel1, linvel2 [wide.Lanes]mgl64.Vec3
	var im2 [wide.Lanes]mgl64.Vec3

	numContacts := 0
	for i := 0; i < wide.Lanes; i++ {
		lane := min(i, lanes-1)
		m := manifolds[lane]
		if len(m.Points) > MaxManifoldPoints {
			panic("constraint: batched manifolds must fit a single contact batch")
		}

		rb1 := bodies[m.Body1]
		rb2 := bodies[m.Body2]
		if rb1.IsDynamic() {
			panic("constraint: one-body contact requires a non-dynamic first body")
		}

		forceDir1[i] = m.Normal.Mul(-1)
		linvel1[i], linvel2[i] = rb1.LinVel, rb2.LinVel

		c.SolverVel2[i] = rb2.ActiveSetOffset
		c.ManifoldID[i] = manifoldIDs[lane]

		outBuilder.Rb1Pose[i] = rb1.Transform
		outBuilder.Rb1LinVel[i] = rb1.LinVel
		outBuilder.Rb1AngVel[i] = rb1.AngVel
		outBuilder.Rb1CcdThickness[i] = rb1.CcdThickness

		if i < lanes {
			im2[i] = rb2.EffectiveInvMass
			c.LaneContacts[i] = len(m.Points)
			numContacts = max(numContacts, len(m.Points))
		}
	}

	c.NumContacts = numContacts
	c.Dir1 = wide.GatherVec3(forceDir1)
	c.Im2 = wide.GatherVec3(im2)

	tangents1 := TangentContactDirectionsWide(c.Dir1, wide.GatherVec3(linvel1), wide.GatherVec3(linvel2))
	c.Tangent1 = tangents1[0]

	for k := 0; k < numContacts; k++ {
		var tangentVel, localP1, localP2 [wide.Lanes]mgl64.Vec3
		var vel1Lanes [wide.Lanes]mgl64.Vec3
		var gcross2 [wide.Lanes]mgl64.Vec3
		var tgcross2 [2][wide.Lanes]mgl64.Vec3
		var dist, friction, restitution [wide.Lanes]float64
		var bouncy, liveLanes wide.Mask

		for i := 0; i < wide.Lanes; i++ {
			lane := min(i, lanes-1)
			m := manifolds[lane]
			pt := &m.Points[min(k, len(m.Points)-1)]
			live := i < lanes && k < len(m.Points)
			liveLanes[i] = live

			rb1 := bodies[m.Body1]
			rb2 := bodies[m.Body2]

			tangentVel[i] = pt.TangentVelocity
			dist[i] = pt.Dist
			localP1[i] = rb1.Transform.InverseTransformPoint(pt.Point)
			localP2[i] = rb2.Transform.InverseTransformPoint(pt.Point)
			vel1Lanes[i] = rb1.LinVel.Add(rb1.AngVel.Cross(pt.Point.Sub(rb1.WorldCom)))

			if live {
				friction[i] = pt.Friction
				restitution[i] = pt.Restitution
				bouncy[i] = pt.IsBouncy
				c.ManifoldContactID[i][k] = pt.ContactID

				dp2 := pt.Point.Sub(rb2.WorldCom)
				gcross2[i] = rb2.EffectiveWorldInvInertiaSqrt.Mul3x1(dp2.Cross(forceDir1[i].Mul(-1)))
				for j := 0; j < 2; j++ {
					tangentLane := tangents1[j].Lane(i)
					tgcross2[j][i] = rb2.EffectiveWorldInvInertiaSqrt.Mul3x1(dp2.Cross(tangentLane.Mul(-1)))
				}
			}
		}

		wVel1 := wide.GatherVec3(vel1Lanes)
		wTangentVel := wide.GatherVec3(tangentVel)

		c.Limit = wide.Float(friction)

		// Normal part: the first body's point velocity folds into the rhs.
		var vel2Lanes [wide.Lanes]mgl64.Vec3
		for i := 0; i < wide.Lanes; i++ {
			lane := min(i, lanes-1)
			m := manifolds[lane]
			pt := &m.Points[min(k, len(m.Points)-1)]
			rb2 := bodies[m.Body2]
			vel2Lanes[i] = rb2.LinVel.Add(rb2.AngVel.Cross(pt.Point.Sub(rb2.WorldCom)))
		}
		vel2 := wide.GatherVec3(vel2Lanes)

		wGCross2 := wide.GatherVec3(gcross2)
		projectedMass := c.Dir1.Dot(c.Im2.MulElem(c.Dir1)).
			Add(wGCross2.Dot(wGCross2)).Inv()

		restitutionRhs := wide.Float(restitution).Mul(wVel1.Sub(vel2).Dot(c.Dir1))
		normalRhsWoBias := wVel1.Dot(c.Dir1).Add(wide.Select(bouncy, restitutionRhs, wide.Splat(0)))

		// Lanes whose manifold has fewer points than the batch get a zero
		// effective mass here, keeping their padded element inert.
		c.Elements[k].Normal = BatchNormalPart{
			GCross2: wGCross2,
			R:       wide.Select(liveLanes, projectedMass, wide.Splat(0)),
		}

		// Tangent parts.
		tangent := &c.Elements[k].Tangent
		*tangent = BatchTangentPart{}
		for j := 0; j < 2; j++ {
			wTGCross2 := wide.GatherVec3(tgcross2[j])
			r := tangents1[j].Dot(c.Im2.MulElem(tangents1[j])).Add(wTGCross2.Dot(wTGCross2))
			rhsWoBias := wVel1.Add(wTangentVel).Dot(tangents1[j])

			tangent.GCross2[j] = wTGCross2
			tangent.RhsWoBias[j] = rhsWoBias
			tangent.Rhs[j] = rhsWoBias
			tangent.R[j] = wide.Select(liveLanes, r, wide.Splat(0))
		}
		tangent.R[2] = tangent.GCross2[0].Dot(tangent.GCross2[1]).Mul(wide.Splat(2))

		outBuilder.Infos[k] = BatchContactPointInfos{
			LocalP1:         wide.GatherVec3(localP1),
			LocalP2:         wide.GatherVec3(localP2),
			TangentVel:      wTangentVel,
			Dist:            wide.Float(dist),
			NormalRhsWoBias: normalRhsWoBias,
		}
	}
}

// Update refreshes the batch right-hand sides; each lane's first body pose is
// advanced from its captured velocity.
func (b *BatchOneBodyConstraintBuilder) Update(
	params *dynamics.IntegrationParameters,
	solvedDt float64,
	bodies []dynamics.SolverBody,
	c *BatchOneBodyConstraint,
) {
	invDt := wide.Splat(params.InvDt())
	erpInvDt := wide.Splat(params.ErpInvDt())
	dt := wide.Splat(params.Dt)

	var rb1Pos [wide.Lanes]dynamics.Transform
	var ccd [wide.Lanes]float64
	for i := 0; i < wide.Lanes; i++ {
		rb1Pos[i] = integratePose(b.Rb1Pose[i], b.Rb1LinVel[i], b.Rb1AngVel[i], solvedDt)
		ccd[i] = b.Rb1CcdThickness[i] + bodies[c.SolverVel2[i]].CcdThickness
	}
	halfCcd := wide.Float(ccd).Mul(wide.Splat(0.5))

	isFastContact := wide.Mask{}
	tangents1 := [2]wide.Vec3{c.Tangent1, c.Dir1.Cross(c.Tangent1)}

	for k := 0; k < c.NumContacts; k++ {
		info := &b.Infos[k]
		element := &c.Elements[k]

		var p1Lanes, p2Lanes [wide.Lanes]mgl64.Vec3
		for i := 0; i < wide.Lanes; i++ {
			p1Lanes[i] = rb1Pos[i].TransformPoint(info.LocalP1.Lane(i))
			p2Lanes[i] = bodies[c.SolverVel2[i]].Position.TransformPoint(info.LocalP2.Lane(i))
		}
		p1 := wide.GatherVec3(p1Lanes).Add(info.TangentVel.Scale(wide.Splat(solvedDt)))
		p2 := wide.GatherVec3(p2Lanes)
		dist := info.Dist.Add(p1.Sub(p2).Dot(c.Dir1))

		rhsWoBias := info.NormalRhsWoBias.Add(dist.Max(wide.Splat(0)).Mul(invDt))
		rhsBias := erpInvDt.Mul(
			dist.Add(wide.Splat(params.AllowedLinearError)).
				Clamp(wide.Splat(-params.MaxPenetrationCorrection), wide.Splat(0)),
		)
		newRhs := rhsWoBias.Add(rhsBias)
		isFastContact = isFastContact.Or(newRhs.Neg().Mul(dt).Gt(halfCcd))

		element.Normal.TotalImpulse = element.Normal.TotalImpulse.Add(element.Normal.Impulse)
		element.Normal.RhsWoBias = rhsWoBias
		element.Normal.Rhs = newRhs
		element.Normal.Impulse = wide.Splat(0)

		element.Tangent.TotalImpulse = element.Tangent.TotalImpulse.Add(element.Tangent.Impulse)
		element.Tangent.Impulse = wide.Vec2{}
		for j := 0; j < 2; j++ {
			bias := p1.Sub(p2).Dot(tangents1[j]).Mul(invDt)
			element.Tangent.Rhs[j] = element.Tangent.RhsWoBias[j].Add(bias)
		}
	}

	c.IsFastContact = isFastContact
	c.CfmFactor = wide.Splat(params.CfmFactor)
	if isFastContact.Any() {
		c.CfmFactor = wide.Select(isFastContact, wide.Splat(1.0), c.CfmFactor)
	}
}

// Solve runs the selected passes in lockstep against a zero first-body
// velocity, then scatters the populated lanes' second-body velocities back.
func (c *BatchOneBodyConstraint) Solve(vels []dynamics.SolverVel, solveNormal, solveFriction bool) {
	var v1 BatchSolverVel
	v2 := c.gatherVels(vels)

	zeroIm := wide.Vec3{}

	if solveNormal {
		for k := 0; k < c.NumContacts; k++ {
			c.Elements[k].Normal.Solve(c.CfmFactor, c.Dir1, zeroIm, c.Im2, &v1, &v2)
		}
	}

	if solveFriction {
		tangents := [2]wide.Vec3{c.Tangent1, c.Dir1.Cross(c.Tangent1)}
		for k := 0; k < c.NumContacts; k++ {
			limit := c.Limit.Mul(c.Elements[k].Normal.Impulse)
			c.Elements[k].Tangent.Solve(tangents, zeroIm, c.Im2, limit, &v1, &v2)
		}
	}

	c.scatterVels(vels, v2)
}

func (c *BatchOneBodyConstraint) gatherVels(vels []dynamics.SolverVel) BatchSolverVel {
	var linear, angular [wide.Lanes]mgl64.Vec3
	for i, slot := range c.SolverVel2 {
		linear[i] = vels[slot].Linear
		angular[i] = vels[slot].Angular
	}

	return BatchSolverVel{Linear: wide.GatherVec3(linear), Angular: wide.GatherVec3(angular)}
}

func (c *BatchOneBodyConstraint) scatterVels(vels []dynamics.SolverVel, v BatchSolverVel) {
	for i, slot := range c.SolverVel2 {
		if c.LaneContacts[i] == 0 {
			continue
		}

		vels[slot] = dynamics.SolverVel{Linear: v.Linear.Lane(i), Angular: v.Angular.Lane(i)}
	}
}

// WritebackImpulses copies each lane's solved impulses back into its
// manifold.
func (c *BatchOneBodyConstraint) WritebackImpulses(manifolds []*geometry.ContactManifold) {
	for i := 0; i < wide.Lanes; i++ {
		if c.LaneContacts[i] == 0 {
			continue
		}

		manifold := manifolds[c.ManifoldID[i]]
		for k := 0; k < c.LaneContacts[i]; k++ {
			contactID := int(c.ManifoldContactID[i][k])
			if contactID >= len(manifold.Data) {
				panic(fmt.Sprintf("constraint: stale contact id %d during writeback", contactID))
			}

			manifold.Data[contactID].Impulse = c.Elements[k].Normal.Impulse[i]
			manifold.Data[contactID].TangentImpulse = c.Elements[k].Tangent.Impulse.Lane(i)
		}
	}
}

// RemoveCfmAndBiasFromRhs resets the mixing factor and collapses every lane's
// right-hand sides to their bias-free form.
func (c *BatchOneBodyConstraint) RemoveCfmAndBiasFromRhs() {
	c.CfmFactor = wide.Splat(1.0)
	for i := range c.Elements {
		c.Elements[i].Normal.Rhs = c.Elements[i].Normal.RhsWoBias
		c.Elements[i].Tangent.Rhs = c.Elements[i].Tangent.RhsWoBias
	}
}
