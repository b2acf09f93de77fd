package constraint

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/legendofa/rapier/dynamics"
	"github.com/legendofa/rapier/geometry"
)

// groundContact builds a single-point manifold between a ground body (first)
// and a sphere resting on it.
func groundContact(groundID, sphereID int, point mgl64.Vec3, dist, restitution float64, bouncy bool) *geometry.ContactManifold {
	return geometry.NewContactManifold(mgl64.Vec3{0, 1, 0}, groundID, sphereID, []geometry.SolverContact{{
		Point:       point,
		Dist:        dist,
		Friction:    0.5,
		Restitution: restitution,
		IsBouncy:    bouncy,
	}})
}

func TestGenerateOneBodyConstraints_PanicsOnDynamicFirstBody(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for a dynamic first body without dominance")
		}
	}()

	rb1 := newDynamicBody(mgl64.Vec3{0, -0.5, 0}, mgl64.Vec3{})
	rb2 := newDynamicBody(mgl64.Vec3{0, 0.5, 0}, mgl64.Vec3{})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	solverState(bodies)

	manifold := groundContact(0, 1, mgl64.Vec3{}, 0, 0, false)
	builders := make([]OneBodyConstraintBuilder, 1)
	constraints := make([]OneBodyConstraint, 1)
	GenerateOneBodyConstraints(0, manifold, bodies, builders, constraints)
}

func TestGenerateOneBodyConstraints_AllowsDominantDynamicBody(t *testing.T) {
	rb1 := newDynamicBody(mgl64.Vec3{0, -0.5, 0}, mgl64.Vec3{})
	rb1.DominanceGroup = 5
	rb2 := newDynamicBody(mgl64.Vec3{0, 0.5, 0}, mgl64.Vec3{})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	solverState(bodies)

	manifold := groundContact(0, 1, mgl64.Vec3{}, 0, 0, false)
	manifold.RelativeDominance = dynamics.RelativeDominance(rb1, rb2)
	if manifold.RelativeDominance <= 0 {
		t.Fatalf("test setup: expected positive dominance, got %d", manifold.RelativeDominance)
	}

	builders := make([]OneBodyConstraintBuilder, 1)
	constraints := make([]OneBodyConstraint, 1)
	GenerateOneBodyConstraints(0, manifold, bodies, builders, constraints)

	if constraints[0].NumContacts != 1 {
		t.Errorf("dominance-locked first body must generate normally, got %d contacts", constraints[0].NumContacts)
	}
}

func TestOneBodySolve_StopsFallingSphere(t *testing.T) {
	ground := newStaticBody(mgl64.Vec3{})
	sphere := newDynamicBody(mgl64.Vec3{0, 0.5, 0}, mgl64.Vec3{0, -2, 0})
	bodies := []*dynamics.RigidBody{ground, sphere}
	vels, snapshots := solverState(bodies)

	manifold := groundContact(0, 1, mgl64.Vec3{0, 0, 0}, 0.0, 0, false)
	builders := make([]OneBodyConstraintBuilder, 1)
	constraints := make([]OneBodyConstraint, 1)
	GenerateOneBodyConstraints(0, manifold, bodies, builders, constraints)

	params := dynamics.DefaultIntegrationParameters()
	c := &constraints[0]
	builders[0].Update(&params, 0.0, snapshots, c)
	c.RemoveCfmAndBiasFromRhs()

	for i := 0; i < 10; i++ {
		c.Solve(vels, true, true)
	}
	sphere.ApplySolverVel(vels[sphere.ActiveSetOffset])

	if math.Abs(sphere.LinVel.Y()) > 1e-6 {
		t.Errorf("inelastic ground contact must stop the fall, vy=%v", sphere.LinVel.Y())
	}
	if c.Elements[0].Normal.Impulse <= 0 {
		t.Errorf("stopping a falling body needs positive impulse, got %v", c.Elements[0].Normal.Impulse)
	}
}

func TestOneBodySolve_BouncesWithRestitution(t *testing.T) {
	ground := newStaticBody(mgl64.Vec3{})
	sphere := newDynamicBody(mgl64.Vec3{0, 0.5, 0}, mgl64.Vec3{0, -4, 0})
	bodies := []*dynamics.RigidBody{ground, sphere}
	vels, snapshots := solverState(bodies)

	manifold := groundContact(0, 1, mgl64.Vec3{0, 0, 0}, 0.0, 0.75, true)
	builders := make([]OneBodyConstraintBuilder, 1)
	constraints := make([]OneBodyConstraint, 1)
	GenerateOneBodyConstraints(0, manifold, bodies, builders, constraints)

	params := dynamics.DefaultIntegrationParameters()
	c := &constraints[0]
	builders[0].Update(&params, 0.0, snapshots, c)
	c.RemoveCfmAndBiasFromRhs()

	for i := 0; i < 10; i++ {
		c.Solve(vels, true, true)
	}
	sphere.ApplySolverVel(vels[sphere.ActiveSetOffset])

	want := 0.75 * 4.0
	if math.Abs(sphere.LinVel.Y()-want) > 1e-6 {
		t.Errorf("rebound velocity = %v, want %v", sphere.LinVel.Y(), want)
	}
}

func TestOneBodySolve_KinematicPlatformPushes(t *testing.T) {
	platform := dynamics.NewRigidBody(dynamics.NewTransform(), 0.0, mgl64.Vec3{}, dynamics.BodyTypeKinematic)
	platform.LinVel = mgl64.Vec3{0, 1.5, 0}
	platform.CcdThickness = 0.5

	sphere := newDynamicBody(mgl64.Vec3{0, 0.5, 0}, mgl64.Vec3{})
	bodies := []*dynamics.RigidBody{platform, sphere}
	vels, snapshots := solverState(bodies)

	manifold := groundContact(0, 1, mgl64.Vec3{0, 0, 0}, 0.0, 0, false)
	builders := make([]OneBodyConstraintBuilder, 1)
	constraints := make([]OneBodyConstraint, 1)
	GenerateOneBodyConstraints(0, manifold, bodies, builders, constraints)

	params := dynamics.DefaultIntegrationParameters()
	c := &constraints[0]
	builders[0].Update(&params, 0.0, snapshots, c)
	c.RemoveCfmAndBiasFromRhs()

	for i := 0; i < 10; i++ {
		c.Solve(vels, true, true)
	}
	sphere.ApplySolverVel(vels[sphere.ActiveSetOffset])

	// The platform's velocity is folded into the rhs, so the sphere must be
	// carried upward at the platform speed.
	if math.Abs(sphere.LinVel.Y()-1.5) > 1e-6 {
		t.Errorf("sphere must match the platform velocity, vy=%v", sphere.LinVel.Y())
	}
	// The platform itself is not in the solver's active set.
	if platform.ActiveSetOffset != -1 {
		t.Errorf("kinematic body must not hold a solver slot, got %d", platform.ActiveSetOffset)
	}
}

func TestOneBodyUpdate_IntegratesKinematicPose(t *testing.T) {
	platform := dynamics.NewRigidBody(dynamics.NewTransform(), 0.0, mgl64.Vec3{}, dynamics.BodyTypeKinematic)
	platform.LinVel = mgl64.Vec3{0, 2, 0}
	platform.CcdThickness = 0.5

	sphere := newDynamicBody(mgl64.Vec3{0, 0.5, 0}, mgl64.Vec3{})
	bodies := []*dynamics.RigidBody{platform, sphere}
	_, snapshots := solverState(bodies)

	manifold := groundContact(0, 1, mgl64.Vec3{0, 0, 0}, 0.0, 0, false)
	builders := make([]OneBodyConstraintBuilder, 1)
	constraints := make([]OneBodyConstraint, 1)
	GenerateOneBodyConstraints(0, manifold, bodies, builders, constraints)

	params := dynamics.DefaultIntegrationParameters()
	c := &constraints[0]

	// Half a step in: the platform has closed 2 * solvedDt of the gap, so the
	// recomputed distance goes negative and the bias must push back.
	solvedDt := params.Dt / 2
	builders[0].Update(&params, solvedDt, snapshots, c)

	normal := &c.Elements[0].Normal
	wantDist := 2 * solvedDt // platform moved up into the sphere
	gotBias := normal.Rhs - normal.RhsWoBias
	wantBias := params.ErpInvDt() * clamp(-wantDist+params.AllowedLinearError, -params.MaxPenetrationCorrection, 0)
	if math.Abs(gotBias-wantBias) > 1e-9 {
		t.Errorf("bias after pose integration = %v, want %v", gotBias, wantBias)
	}
}
