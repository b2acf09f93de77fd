package dynamics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// BodyType represents the type of rigid body
type BodyType int

const (
	// BodyTypeDynamic bodies are affected by impulses and participate in the
	// velocity solve
	BodyTypeDynamic BodyType = iota

	// BodyTypeStatic bodies are immovable and have infinite mass
	BodyTypeStatic

	// BodyTypeKinematic bodies follow a prescribed velocity; the solver treats
	// them as immovable but their velocity still pushes contacting bodies
	BodyTypeKinematic
)

// RigidBody holds the body state the contact solver reads: velocities,
// effective mass properties in world space, and the body's slot in the
// solver-velocity array.
type RigidBody struct {
	Transform Transform

	LinVel mgl64.Vec3
	AngVel mgl64.Vec3

	Mass         float64
	InertiaLocal mgl64.Vec3 // principal moments of inertia, local frame

	BodyType       BodyType
	DominanceGroup int8

	// CcdThickness is the smallest extent of the body's shapes, used by
	// continuous collision detection to classify fast contacts.
	CcdThickness float64

	// ActiveSetOffset is the body's index into the solver-velocity array
	// for the current time step.
	ActiveSetOffset int

	// Derived world-space mass properties, refreshed by
	// UpdateWorldMassProperties.
	EffectiveInvMass             mgl64.Vec3
	EffectiveWorldInvInertiaSqrt mgl64.Mat3
	EffectiveWorldInertiaSqrt    mgl64.Mat3
	WorldCom                     mgl64.Vec3
}

// NewRigidBody creates a rigid body with the given mass and principal inertia.
// Mass and inertia are ignored for static bodies.
func NewRigidBody(transform Transform, mass float64, inertia mgl64.Vec3, bodyType BodyType) *RigidBody {
	rb := &RigidBody{
		Transform:    transform,
		Mass:         mass,
		InertiaLocal: inertia,
		BodyType:     bodyType,
	}
	rb.UpdateWorldMassProperties()

	return rb
}

// IsDynamic reports whether the body participates in the velocity solve.
func (rb *RigidBody) IsDynamic() bool {
	return rb.BodyType == BodyTypeDynamic
}

// UpdateWorldMassProperties refreshes the world-space effective inverse mass,
// the square root of the world inverse inertia, and the world center of mass
// from the current pose. Called once per step before constraints are built.
func (rb *RigidBody) UpdateWorldMassProperties() {
	rb.WorldCom = rb.Transform.Position

	if rb.BodyType != BodyTypeDynamic {
		rb.EffectiveInvMass = mgl64.Vec3{}
		rb.EffectiveWorldInvInertiaSqrt = mgl64.Mat3{}
		rb.EffectiveWorldInertiaSqrt = mgl64.Mat3{}

		return
	}

	im := Inv(rb.Mass)
	rb.EffectiveInvMass = mgl64.Vec3{im, im, im}

	// I_world^(±1/2) = R * diag(I_i^(±1/2)) * R^T
	R := rb.Transform.Rotation.Mat4().Mat3()
	invSqrt := mgl64.Vec3{
		math.Sqrt(Inv(rb.InertiaLocal.X())),
		math.Sqrt(Inv(rb.InertiaLocal.Y())),
		math.Sqrt(Inv(rb.InertiaLocal.Z())),
	}
	sqrt := mgl64.Vec3{
		math.Sqrt(rb.InertiaLocal.X()),
		math.Sqrt(rb.InertiaLocal.Y()),
		math.Sqrt(rb.InertiaLocal.Z()),
	}
	rb.EffectiveWorldInvInertiaSqrt = R.Mul3(mgl64.Diag3(invSqrt)).Mul3(R.Transpose())
	rb.EffectiveWorldInertiaSqrt = R.Mul3(mgl64.Diag3(sqrt)).Mul3(R.Transpose())
}

// SolverVel captures the body's velocity in solver space. The angular part is
// scaled by the square root of the world inertia so that effective-mass terms
// stay symmetric between the two bodies of a constraint.
func (rb *RigidBody) SolverVel() SolverVel {
	return SolverVel{
		Linear:  rb.LinVel,
		Angular: rb.EffectiveWorldInertiaSqrt.Mul3x1(rb.AngVel),
	}
}

// ApplySolverVel writes a solved solver-space velocity back into the body.
func (rb *RigidBody) ApplySolverVel(v SolverVel) {
	if rb.BodyType != BodyTypeDynamic {
		return
	}

	rb.LinVel = v.Linear
	rb.AngVel = rb.EffectiveWorldInvInertiaSqrt.Mul3x1(v.Angular)
}

// SolverBodySnapshot captures the pose data the constraint updater needs,
// decoupled from the live body.
func (rb *RigidBody) SolverBodySnapshot() SolverBody {
	return SolverBody{
		Position:     rb.Transform,
		CcdThickness: rb.CcdThickness,
	}
}

// effectiveDominance maps non-dynamic bodies to the strongest dominance group
// so that they always dominate dynamic bodies.
func (rb *RigidBody) effectiveDominance() int {
	if rb.BodyType != BodyTypeDynamic {
		return math.MaxInt8 + 1
	}

	return int(rb.DominanceGroup)
}

// RelativeDominance returns the dominance of rb1 over rb2. The plain
// two-body contact path requires this to be zero.
func RelativeDominance(rb1, rb2 *RigidBody) int {
	return rb1.effectiveDominance() - rb2.effectiveDominance()
}

// Inv returns 1/x, with the inverse of zero defined as zero. A zero
// denominator means infinite effective mass, i.e. no motion contribution.
func Inv(x float64) float64 {
	if x == 0 {
		return 0
	}

	return 1.0 / x
}
