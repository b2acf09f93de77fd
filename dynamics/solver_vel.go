package dynamics

import "github.com/go-gl/mathgl/mgl64"

// SolverVel is one slot of the solver-velocity array. The angular component
// is stored in inertia-sqrt-scaled space (see RigidBody.SolverVel).
//
// Slots are indexed by RigidBody.ActiveSetOffset; constraints index the array
// rather than referencing bodies, so two constraints sharing a body alias the
// same slot. The caller must solve such constraints sequentially.
type SolverVel struct {
	Linear  mgl64.Vec3
	Angular mgl64.Vec3
}

// SolverBody is a per-substep pose snapshot consumed by the constraint
// updater.
type SolverBody struct {
	Position     Transform
	CcdThickness float64
}
