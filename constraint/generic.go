package constraint

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/legendofa/rapier/dynamics"
	"github.com/legendofa/rapier/geometry"
)

// MultibodyLink is the solver's view of one link of a reduced-coordinate
// multibody. The joint registry owning the multibody is an external
// collaborator; the solver only needs jacobian rows and generalized
// velocities.
type MultibodyLink interface {
	// NDofs is the number of generalized degrees of freedom of the
	// multibody the link belongs to.
	NDofs() int

	// DofStart is the index of the multibody's generalized velocities in the
	// shared dense generic-velocity buffer.
	DofStart() int

	LinVel() mgl64.Vec3

	// PointVelocity is the world velocity of a point rigidly attached to the
	// link.
	PointVelocity(point mgl64.Vec3) mgl64.Vec3

	Pose() dynamics.Transform

	CcdThickness() float64

	// FillJacobians writes 2*NDofs() floats into out: the constraint
	// jacobian row J for a unit impulse applied at point along dir, followed
	// by M⁻¹J.
	FillJacobians(point, dir mgl64.Vec3, out []float64)
}

// GenericTwoBodyConstraint is a two-body contact where at least one side is a
// multibody link. Generic sides are solved through sparse jacobian rows and a
// shared dense velocity buffer instead of the indexed SolverVel array; for a
// generic side, the solver-velocity index is the link's DofStart.
type GenericTwoBodyConstraint struct {
	TwoBodyConstraint

	// JID is the start of this constraint's jacobian rows in the flat
	// jacobian buffer. Rows are laid out per element as [normal, tangent0,
	// tangent1], each row holding [J | M⁻¹J] for every generic side in body
	// order.
	JID int

	NDofs1 int
	NDofs2 int

	GenericBody1 bool
	GenericBody2 bool
}

// GenericTwoBodyConstraintBuilder pairs the pose-refresh data with the links
// whose poses must be re-queried every substep.
type GenericTwoBodyConstraintBuilder struct {
	TwoBodyConstraintBuilder

	Link1 MultibodyLink
	Link2 MultibodyLink
}

// rowStride returns the jacobian floats consumed by one constraint row.
func (c *GenericTwoBodyConstraint) rowStride() int {
	stride := 0
	if c.GenericBody1 {
		stride += 2 * c.NDofs1
	}
	if c.GenericBody2 {
		stride += 2 * c.NDofs2
	}

	return stride
}

// GenerateGenericTwoBodyConstraints builds constraints for a manifold where
// one or both bodies are multibody links. Nil links mark rigid sides. The
// jacobian rows are appended to the shared flat buffer.
func GenerateGenericTwoBodyConstraints(
	manifoldID int,
	manifold *geometry.ContactManifold,
	bodies []*dynamics.RigidBody,
	link1, link2 MultibodyLink,
	jacobians *[]float64,
	outBuilders []GenericTwoBodyConstraintBuilder,
	outConstraints []GenericTwoBodyConstraint,
) {
	if link1 == nil && link2 == nil {
		panic("constraint: generic contact requires at least one multibody link")
	}
	if manifold.RelativeDominance != 0 {
		panic("constraint: two-body contact requires equal dominance")
	}

	pose1, linvel1, im1, com1 := sideProperties(manifold.Body1, bodies, link1)
	pose2, linvel2, im2, com2 := sideProperties(manifold.Body2, bodies, link2)

	forceDir1 := manifold.Normal.Mul(-1)
	tangents1 := TangentContactDirections(forceDir1, linvel1, linvel2)

	for l := 0; l*MaxManifoldPoints < len(manifold.Points); l++ {
		points := manifold.Points[l*MaxManifoldPoints : min((l+1)*MaxManifoldPoints, len(manifold.Points))]

		builder := &outBuilders[l]
		builder.Link1 = link1
		builder.Link2 = link2

		c := &outConstraints[l]
		c.Dir1 = forceDir1
		c.Tangent1 = tangents1[0]
		c.Im1 = im1
		c.Im2 = im2
		c.ManifoldID = manifoldID
		c.NumContacts = len(points)
		c.JID = len(*jacobians)
		c.GenericBody1 = link1 != nil
		c.GenericBody2 = link2 != nil

		if link1 != nil {
			c.NDofs1 = link1.NDofs()
			c.SolverVel1 = link1.DofStart()
		} else {
			c.SolverVel1 = bodies[manifold.Body1].ActiveSetOffset
		}
		if link2 != nil {
			c.NDofs2 = link2.NDofs()
			c.SolverVel2 = link2.DofStart()
		} else {
			c.SolverVel2 = bodies[manifold.Body2].ActiveSetOffset
		}

		for k := range points {
			point := &points[k]

			dp1 := point.Point.Sub(com1)
			dp2 := point.Point.Sub(com2)

			vel1 := pointVelocity(manifold.Body1, bodies, link1, point.Point)
			vel2 := pointVelocity(manifold.Body2, bodies, link2, point.Point)

			c.Limit = point.Friction
			c.ManifoldContactID[k] = point.ContactID

			// Normal row.
			normal := &c.Elements[k].Normal
			*normal = NormalPart{}

			r := 0.0
			j1 := appendSideJacobian(jacobians, link1, point.Point, forceDir1)
			if link1 != nil {
				r += dotSlices(j1[:c.NDofs1], j1[c.NDofs1:])
			} else {
				rb1 := bodies[manifold.Body1]
				normal.GCross1 = rb1.EffectiveWorldInvInertiaSqrt.Mul3x1(dp1.Cross(forceDir1))
				r += forceDir1.Dot(mulElem(im1, forceDir1)) + normal.GCross1.Dot(normal.GCross1)
			}
			j2 := appendSideJacobian(jacobians, link2, point.Point, forceDir1.Mul(-1))
			if link2 != nil {
				r += dotSlices(j2[:c.NDofs2], j2[c.NDofs2:])
			} else {
				rb2 := bodies[manifold.Body2]
				normal.GCross2 = rb2.EffectiveWorldInvInertiaSqrt.Mul3x1(dp2.Cross(forceDir1.Mul(-1)))
				r += forceDir1.Dot(mulElem(im2, forceDir1)) + normal.GCross2.Dot(normal.GCross2)
			}
			normal.R = dynamics.Inv(r)

			normalRhsWoBias := 0.0
			if point.IsBouncy {
				normalRhsWoBias = point.Restitution * vel1.Sub(vel2).Dot(forceDir1)
			}

			// Tangent rows.
			tangent := &c.Elements[k].Tangent
			*tangent = TangentPart{}

			var tj1, tj2 [2][]float64
			for j := 0; j < 2; j++ {
				tr := 0.0
				tj1[j] = appendSideJacobian(jacobians, link1, point.Point, tangents1[j])
				if link1 != nil {
					tr += dotSlices(tj1[j][:c.NDofs1], tj1[j][c.NDofs1:])
				} else {
					rb1 := bodies[manifold.Body1]
					tangent.GCross1[j] = rb1.EffectiveWorldInvInertiaSqrt.Mul3x1(dp1.Cross(tangents1[j]))
					tr += tangents1[j].Dot(mulElem(im1, tangents1[j])) + tangent.GCross1[j].Dot(tangent.GCross1[j])
				}
				tj2[j] = appendSideJacobian(jacobians, link2, point.Point, tangents1[j].Mul(-1))
				if link2 != nil {
					tr += dotSlices(tj2[j][:c.NDofs2], tj2[j][c.NDofs2:])
				} else {
					rb2 := bodies[manifold.Body2]
					tangent.GCross2[j] = rb2.EffectiveWorldInvInertiaSqrt.Mul3x1(dp2.Cross(tangents1[j].Mul(-1)))
					tr += tangents1[j].Dot(mulElem(im2, tangents1[j])) + tangent.GCross2[j].Dot(tangent.GCross2[j])
				}

				rhsWoBias := point.TangentVelocity.Dot(tangents1[j])
				tangent.RhsWoBias[j] = rhsWoBias
				tangent.Rhs[j] = rhsWoBias
				tangent.R[j] = tr
			}

			// Cross-coupling between the two tangent axes, per side.
			coupling := 0.0
			if link1 != nil {
				coupling += dotSlices(tj1[0][:c.NDofs1], tj1[1][c.NDofs1:])
			} else {
				coupling += tangent.GCross1[0].Dot(tangent.GCross1[1])
			}
			if link2 != nil {
				coupling += dotSlices(tj2[0][:c.NDofs2], tj2[1][c.NDofs2:])
			} else {
				coupling += tangent.GCross2[0].Dot(tangent.GCross2[1])
			}
			tangent.R[2] = 2.0 * coupling

			builder.Infos[k] = ContactPointInfos{
				LocalP1:         pose1.InverseTransformPoint(point.Point),
				LocalP2:         pose2.InverseTransformPoint(point.Point),
				TangentVel:      point.TangentVelocity,
				Dist:            point.Dist,
				NormalRhsWoBias: normalRhsWoBias,
			}
		}
	}
}

// Update refreshes the right-hand sides, re-querying multibody link poses.
func (b *GenericTwoBodyConstraintBuilder) Update(
	params *dynamics.IntegrationParameters,
	solvedDt float64,
	bodies []dynamics.SolverBody,
	c *GenericTwoBodyConstraint,
) {
	var pose1, pose2 dynamics.Transform
	var ccd1, ccd2 float64

	if b.Link1 != nil {
		pose1, ccd1 = b.Link1.Pose(), b.Link1.CcdThickness()
	} else {
		pose1, ccd1 = bodies[c.SolverVel1].Position, bodies[c.SolverVel1].CcdThickness
	}
	if b.Link2 != nil {
		pose2, ccd2 = b.Link2.Pose(), b.Link2.CcdThickness()
	} else {
		pose2, ccd2 = bodies[c.SolverVel2].Position, bodies[c.SolverVel2].CcdThickness
	}

	b.UpdateWithPositions(params, solvedDt, pose1, pose2, ccd1+ccd2, &c.TwoBodyConstraint)
}

// Solve performs one Gauss-Seidel step. Rigid sides read and write the
// indexed solver-velocity array; generic sides read and write their segment
// of the dense generic velocity buffer through the jacobian rows.
func (c *GenericTwoBodyConstraint) Solve(
	jacobians []float64,
	vels []dynamics.SolverVel,
	genericVels []float64,
	solveNormal, solveFriction bool,
) {
	var v1, v2 dynamics.SolverVel
	if !c.GenericBody1 {
		v1 = vels[c.SolverVel1]
	}
	if !c.GenericBody2 {
		v2 = vels[c.SolverVel2]
	}

	stride := c.rowStride()

	if solveNormal {
		for k := 0; k < c.NumContacts; k++ {
			rowID := c.JID + k*3*stride
			c.solveNormalRow(k, rowID, jacobians, genericVels, &v1, &v2)
		}
	}

	if solveFriction {
		tangents := [2]mgl64.Vec3{c.Tangent1, c.Dir1.Cross(c.Tangent1)}
		for k := 0; k < c.NumContacts; k++ {
			rowID := c.JID + k*3*stride
			c.solveTangentRows(k, rowID+stride, stride, jacobians, genericVels, tangents, &v1, &v2)
		}
	}

	if !c.GenericBody1 {
		vels[c.SolverVel1] = v1
	}
	if !c.GenericBody2 {
		vels[c.SolverVel2] = v2
	}
}

func (c *GenericTwoBodyConstraint) solveNormalRow(
	k, rowID int,
	jacobians, genericVels []float64,
	v1, v2 *dynamics.SolverVel,
) {
	normal := &c.Elements[k].Normal

	dvel := normal.Rhs
	offset := rowID
	if c.GenericBody1 {
		j := jacobians[offset : offset+c.NDofs1]
		dvel += dotSlices(j, genericVels[c.SolverVel1:c.SolverVel1+c.NDofs1])
		offset += 2 * c.NDofs1
	} else {
		dvel += c.Dir1.Dot(v1.Linear) + normal.GCross1.Dot(v1.Angular)
	}
	if c.GenericBody2 {
		j := jacobians[offset : offset+c.NDofs2]
		dvel += dotSlices(j, genericVels[c.SolverVel2:c.SolverVel2+c.NDofs2])
	} else {
		dvel += -c.Dir1.Dot(v2.Linear) + normal.GCross2.Dot(v2.Angular)
	}

	newImpulse := c.CfmFactor * maxZero(normal.Impulse-normal.R*dvel)
	dLambda := newImpulse - normal.Impulse
	normal.Impulse = newImpulse

	offset = rowID
	if c.GenericBody1 {
		wj := jacobians[offset+c.NDofs1 : offset+2*c.NDofs1]
		axpySlices(genericVels[c.SolverVel1:c.SolverVel1+c.NDofs1], wj, dLambda)
		offset += 2 * c.NDofs1
	} else {
		v1.Linear = v1.Linear.Add(mulElem(c.Dir1, c.Im1).Mul(dLambda))
		v1.Angular = v1.Angular.Add(normal.GCross1.Mul(dLambda))
	}
	if c.GenericBody2 {
		wj := jacobians[offset+c.NDofs2 : offset+2*c.NDofs2]
		axpySlices(genericVels[c.SolverVel2:c.SolverVel2+c.NDofs2], wj, dLambda)
	} else {
		v2.Linear = v2.Linear.Sub(mulElem(c.Dir1, c.Im2).Mul(dLambda))
		v2.Angular = v2.Angular.Add(normal.GCross2.Mul(dLambda))
	}
}

func (c *GenericTwoBodyConstraint) solveTangentRows(
	k, rowID, stride int,
	jacobians, genericVels []float64,
	tangents [2]mgl64.Vec3,
	v1, v2 *dynamics.SolverVel,
) {
	element := &c.Elements[k]
	tangent := &element.Tangent
	limit := c.Limit * element.Normal.Impulse

	var dvel [2]float64
	for j := 0; j < 2; j++ {
		offset := rowID + j*stride
		dvel[j] = tangent.Rhs[j]
		if c.GenericBody1 {
			row := jacobians[offset : offset+c.NDofs1]
			dvel[j] += dotSlices(row, genericVels[c.SolverVel1:c.SolverVel1+c.NDofs1])
			offset += 2 * c.NDofs1
		} else {
			dvel[j] += tangents[j].Dot(v1.Linear) + tangent.GCross1[j].Dot(v1.Angular)
		}
		if c.GenericBody2 {
			row := jacobians[offset : offset+c.NDofs2]
			dvel[j] += dotSlices(row, genericVels[c.SolverVel2:c.SolverVel2+c.NDofs2])
		} else {
			dvel[j] += -tangents[j].Dot(v2.Linear) + tangent.GCross2[j].Dot(v2.Angular)
		}
	}

	dvel00 := dvel[0] * dvel[0]
	dvel11 := dvel[1] * dvel[1]
	dvel01 := dvel[0] * dvel[1]
	invLhs := (dvel00 + dvel11) * dynamics.Inv(dvel00*tangent.R[0]+dvel11*tangent.R[1]+dvel01*tangent.R[2])

	newImpulse := tangent.Impulse.Sub(mgl64.Vec2{invLhs * dvel[0], invLhs * dvel[1]})
	if length := newImpulse.Len(); length > limit {
		newImpulse = newImpulse.Mul(limit / length)
	}

	dLambda := newImpulse.Sub(tangent.Impulse)
	tangent.Impulse = newImpulse

	for j := 0; j < 2; j++ {
		offset := rowID + j*stride
		if c.GenericBody1 {
			wj := jacobians[offset+c.NDofs1 : offset+2*c.NDofs1]
			axpySlices(genericVels[c.SolverVel1:c.SolverVel1+c.NDofs1], wj, dLambda[j])
			offset += 2 * c.NDofs1
		} else {
			v1.Linear = v1.Linear.Add(mulElem(tangents[j], c.Im1).Mul(dLambda[j]))
			v1.Angular = v1.Angular.Add(tangent.GCross1[j].Mul(dLambda[j]))
		}
		if c.GenericBody2 {
			wj := jacobians[offset+c.NDofs2 : offset+2*c.NDofs2]
			axpySlices(genericVels[c.SolverVel2:c.SolverVel2+c.NDofs2], wj, dLambda[j])
		} else {
			v2.Linear = v2.Linear.Sub(mulElem(tangents[j], c.Im2).Mul(dLambda[j]))
			v2.Angular = v2.Angular.Add(tangent.GCross2[j].Mul(dLambda[j]))
		}
	}
}

// GenericOneBodyConstraint is a one-body contact whose dynamic side is a
// multibody link.
type GenericOneBodyConstraint struct {
	OneBodyConstraint

	JID    int
	NDofs2 int
}

// GenericOneBodyConstraintBuilder refreshes generic one-body constraints.
type GenericOneBodyConstraintBuilder struct {
	OneBodyConstraintBuilder

	Link2 MultibodyLink
}

// GenerateGenericOneBodyConstraints builds constraints for a manifold whose
// first body is static or kinematic and whose second body is a multibody
// link.
func GenerateGenericOneBodyConstraints(
	manifoldID int,
	manifold *geometry.ContactManifold,
	bodies []*dynamics.RigidBody,
	link2 MultibodyLink,
	jacobians *[]float64,
	outBuilders []GenericOneBodyConstraintBuilder,
	outConstraints []GenericOneBodyConstraint,
) {
	rb1 := bodies[manifold.Body1]
	if rb1.IsDynamic() {
		panic("constraint: one-body contact requires a non-dynamic first body")
	}

	forceDir1 := manifold.Normal.Mul(-1)
	tangents1 := TangentContactDirections(forceDir1, rb1.LinVel, link2.LinVel())

	pose2 := link2.Pose()

	for l := 0; l*MaxManifoldPoints < len(manifold.Points); l++ {
		points := manifold.Points[l*MaxManifoldPoints : min((l+1)*MaxManifoldPoints, len(manifold.Points))]

		builder := &outBuilders[l]
		builder.Rb1Pose = rb1.Transform
		builder.Rb1LinVel = rb1.LinVel
		builder.Rb1AngVel = rb1.AngVel
		builder.Rb1CcdThickness = rb1.CcdThickness
		builder.Link2 = link2

		c := &outConstraints[l]
		c.Dir1 = forceDir1
		c.Tangent1 = tangents1[0]
		c.SolverVel2 = link2.DofStart()
		c.ManifoldID = manifoldID
		c.NumContacts = len(points)
		c.JID = len(*jacobians)
		c.NDofs2 = link2.NDofs()

		for k := range points {
			point := &points[k]

			dp1 := point.Point.Sub(rb1.WorldCom)

			vel1 := rb1.LinVel.Add(rb1.AngVel.Cross(dp1))
			vel2 := link2.PointVelocity(point.Point)

			c.Limit = point.Friction
			c.ManifoldContactID[k] = point.ContactID

			// Normal row.
			j := appendSideJacobian(jacobians, link2, point.Point, forceDir1.Mul(-1))
			normal := &c.Elements[k].Normal
			*normal = NormalPart{R: dynamics.Inv(dotSlices(j[:c.NDofs2], j[c.NDofs2:]))}

			normalRhsWoBias := vel1.Dot(forceDir1)
			if point.IsBouncy {
				normalRhsWoBias += point.Restitution * vel1.Sub(vel2).Dot(forceDir1)
			}

			// Tangent rows.
			tangent := &c.Elements[k].Tangent
			*tangent = TangentPart{}
			var tj [2][]float64
			for tji := 0; tji < 2; tji++ {
				tj[tji] = appendSideJacobian(jacobians, link2, point.Point, tangents1[tji].Mul(-1))
				rhsWoBias := vel1.Add(point.TangentVelocity).Dot(tangents1[tji])
				tangent.RhsWoBias[tji] = rhsWoBias
				tangent.Rhs[tji] = rhsWoBias
				tangent.R[tji] = dotSlices(tj[tji][:c.NDofs2], tj[tji][c.NDofs2:])
			}
			tangent.R[2] = 2.0 * dotSlices(tj[0][:c.NDofs2], tj[1][c.NDofs2:])

			builder.Infos[k] = ContactPointInfos{
				LocalP1:         rb1.Transform.InverseTransformPoint(point.Point),
				LocalP2:         pose2.InverseTransformPoint(point.Point),
				TangentVel:      point.TangentVelocity,
				Dist:            point.Dist,
				NormalRhsWoBias: normalRhsWoBias,
			}
		}
	}
}

// Update refreshes the right-hand sides, re-querying the link pose.
func (b *GenericOneBodyConstraintBuilder) Update(
	params *dynamics.IntegrationParameters,
	solvedDt float64,
	c *GenericOneBodyConstraint,
) {
	ccdThickness := b.Rb1CcdThickness + b.Link2.CcdThickness()
	b.UpdateWithPositions(params, solvedDt, b.Link2.Pose(), ccdThickness, &c.OneBodyConstraint)
}

// Solve performs one Gauss-Seidel step on the link's generalized velocities.
func (c *GenericOneBodyConstraint) Solve(
	jacobians []float64,
	genericVels []float64,
	solveNormal, solveFriction bool,
) {
	stride := 2 * c.NDofs2
	seg := genericVels[c.SolverVel2 : c.SolverVel2+c.NDofs2]

	if solveNormal {
		for k := 0; k < c.NumContacts; k++ {
			normal := &c.Elements[k].Normal
			offset := c.JID + k*3*stride
			j := jacobians[offset : offset+c.NDofs2]
			wj := jacobians[offset+c.NDofs2 : offset+stride]

			dvel := dotSlices(j, seg) + normal.Rhs
			newImpulse := c.CfmFactor * maxZero(normal.Impulse-normal.R*dvel)
			dLambda := newImpulse - normal.Impulse
			normal.Impulse = newImpulse

			axpySlices(seg, wj, dLambda)
		}
	}

	if solveFriction {
		for k := 0; k < c.NumContacts; k++ {
			element := &c.Elements[k]
			tangent := &element.Tangent
			limit := c.Limit * element.Normal.Impulse

			var dvel [2]float64
			var wj [2][]float64
			for j := 0; j < 2; j++ {
				offset := c.JID + k*3*stride + (1+j)*stride
				row := jacobians[offset : offset+c.NDofs2]
				wj[j] = jacobians[offset+c.NDofs2 : offset+stride]
				dvel[j] = dotSlices(row, seg) + tangent.Rhs[j]
			}

			dvel00 := dvel[0] * dvel[0]
			dvel11 := dvel[1] * dvel[1]
			dvel01 := dvel[0] * dvel[1]
			invLhs := (dvel00 + dvel11) * dynamics.Inv(dvel00*tangent.R[0]+dvel11*tangent.R[1]+dvel01*tangent.R[2])

			newImpulse := tangent.Impulse.Sub(mgl64.Vec2{invLhs * dvel[0], invLhs * dvel[1]})
			if length := newImpulse.Len(); length > limit {
				newImpulse = newImpulse.Mul(limit / length)
			}

			dLambda := newImpulse.Sub(tangent.Impulse)
			tangent.Impulse = newImpulse

			axpySlices(seg, wj[0], dLambda.X())
			axpySlices(seg, wj[1], dLambda.Y())
		}
	}
}

// sideProperties resolves one side of a generic contact to its pose, linear
// velocity, effective inverse mass and center of mass.
func sideProperties(
	body int,
	bodies []*dynamics.RigidBody,
	link MultibodyLink,
) (dynamics.Transform, mgl64.Vec3, mgl64.Vec3, mgl64.Vec3) {
	if link != nil {
		pose := link.Pose()

		// The inverse mass of a generic side lives inside its M⁻¹J rows.
		return pose, link.LinVel(), mgl64.Vec3{}, pose.Position
	}

	rb := bodies[body]

	return rb.Transform, rb.LinVel, rb.EffectiveInvMass, rb.WorldCom
}

func pointVelocity(body int, bodies []*dynamics.RigidBody, link MultibodyLink, point mgl64.Vec3) mgl64.Vec3 {
	if link != nil {
		return link.PointVelocity(point)
	}

	rb := bodies[body]

	return rb.LinVel.Add(rb.AngVel.Cross(point.Sub(rb.WorldCom)))
}

// appendSideJacobian appends a generic side's [J | M⁻¹J] row and returns it.
// Rigid sides append nothing.
func appendSideJacobian(jacobians *[]float64, link MultibodyLink, point, dir mgl64.Vec3) []float64 {
	if link == nil {
		return nil
	}

	ndofs := link.NDofs()
	start := len(*jacobians)
	*jacobians = append(*jacobians, make([]float64, 2*ndofs)...)
	row := (*jacobians)[start : start+2*ndofs]
	link.FillJacobians(point, dir, row)

	return row
}

func dotSlices(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}

// axpySlices adds scale*row to dst in place.
func axpySlices(dst, row []float64, scale float64) {
	for i := range dst {
		dst[i] += row[i] * scale
	}
}

func maxZero(v float64) float64 {
	if v < 0 {
		return 0
	}

	return v
}
