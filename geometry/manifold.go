package geometry

import "github.com/go-gl/mathgl/mgl64"

// SolverContact is the solver-facing view of one contact point produced by
// narrow-phase collision detection.
type SolverContact struct {
	// ContactID identifies the tracked contact this point belongs to. Contact
	// ids, not array positions, survive contacts being added or removed
	// between steps.
	ContactID uint8

	// Point is the contact position in world space.
	Point mgl64.Vec3

	// Dist is the signed separation distance along the manifold normal.
	// Negative values indicate penetration.
	Dist float64

	// Friction and Restitution are the combined material coefficients.
	Friction    float64
	Restitution float64

	// TangentVelocity models a moving contact surface on the first body
	// (e.g. a conveyor belt).
	TangentVelocity mgl64.Vec3

	// IsBouncy flags the contact as elastic: only bouncy contacts get a
	// restitution term.
	IsBouncy bool
}

// ContactData stores the solved impulses of one tracked contact. It is
// written by the solver at the end of every step; callers use it for force
// reporting and for carrying impulses across steps.
type ContactData struct {
	Impulse        float64
	TangentImpulse mgl64.Vec2
}

// ContactManifold is the set of contact points between two colliding shapes,
// with the shared geometry and material data the solver needs.
type ContactManifold struct {
	// Normal is the unit contact normal, pointing from the first body's
	// surface toward the second body.
	Normal mgl64.Vec3

	// Body1 and Body2 are handles into the rigid-body registry.
	Body1 int
	Body2 int

	// RelativeDominance is the dominance of body1 over body2. The equal-
	// dominance contact path requires zero.
	RelativeDominance int

	Points []SolverContact

	// Data holds per-tracked-contact impulses, indexed by ContactID.
	Data []ContactData
}

// NewContactManifold assembles a manifold from solver contacts, assigning
// sequential contact ids and sizing the impulse storage to match.
func NewContactManifold(normal mgl64.Vec3, body1, body2 int, points []SolverContact) *ContactManifold {
	m := &ContactManifold{
		Normal: normal,
		Body1:  body1,
		Body2:  body2,
		Points: points,
		Data:   make([]ContactData, len(points)),
	}
	for i := range m.Points {
		m.Points[i].ContactID = uint8(i)
	}

	return m
}
