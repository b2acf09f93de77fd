package constraint

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/legendofa/rapier/dynamics"
	"github.com/legendofa/rapier/geometry"
)

// Helper to create a dynamic unit-mass sphere body for testing.
func newDynamicBody(position, velocity mgl64.Vec3) *dynamics.RigidBody {
	inertia := 0.4 * 0.5 * 0.5 // solid sphere, unit mass, radius 0.5
	rb := dynamics.NewRigidBody(
		dynamics.TransformAt(position, mgl64.QuatIdent()),
		1.0,
		mgl64.Vec3{inertia, inertia, inertia},
		dynamics.BodyTypeDynamic,
	)
	rb.LinVel = velocity
	rb.CcdThickness = 0.5

	return rb
}

func newStaticBody(position mgl64.Vec3) *dynamics.RigidBody {
	rb := dynamics.NewRigidBody(
		dynamics.TransformAt(position, mgl64.QuatIdent()),
		0.0,
		mgl64.Vec3{},
		dynamics.BodyTypeStatic,
	)
	rb.CcdThickness = 0.5

	return rb
}

// solverState assigns solver slots to the dynamic bodies and returns the
// velocity array plus pose snapshots, the way the solver driver does.
func solverState(bodies []*dynamics.RigidBody) ([]dynamics.SolverVel, []dynamics.SolverBody) {
	var vels []dynamics.SolverVel
	var snapshots []dynamics.SolverBody

	for _, rb := range bodies {
		rb.UpdateWorldMassProperties()
		if !rb.IsDynamic() {
			rb.ActiveSetOffset = -1

			continue
		}

		rb.ActiveSetOffset = len(vels)
		vels = append(vels, rb.SolverVel())
		snapshots = append(snapshots, rb.SolverBodySnapshot())
	}

	return vels, snapshots
}

// headOnManifold builds a single-point manifold between two spheres meeting
// at the origin along x.
func headOnManifold(restitution float64, bouncy bool) *geometry.ContactManifold {
	return geometry.NewContactManifold(mgl64.Vec3{1, 0, 0}, 0, 1, []geometry.SolverContact{{
		Point:       mgl64.Vec3{0, 0, 0},
		Dist:        0.0,
		Friction:    0.5,
		Restitution: restitution,
		IsBouncy:    bouncy,
	}})
}

func TestGenerateTwoBodyConstraints_Basic(t *testing.T) {
	rb1 := newDynamicBody(mgl64.Vec3{-0.5, 0, 0}, mgl64.Vec3{1, 0, 0})
	rb2 := newDynamicBody(mgl64.Vec3{0.5, 0, 0}, mgl64.Vec3{-1, 0, 0})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	solverState(bodies)

	manifold := headOnManifold(1.0, true)
	builders := make([]TwoBodyConstraintBuilder, TwoBodyConstraintCount(manifold))
	constraints := make([]TwoBodyConstraint, TwoBodyConstraintCount(manifold))
	GenerateTwoBodyConstraints(0, manifold, bodies, builders, constraints)

	c := &constraints[0]
	if c.NumContacts != 1 {
		t.Fatalf("expected 1 contact, got %d", c.NumContacts)
	}
	if c.Dir1 != (mgl64.Vec3{-1, 0, 0}) {
		t.Errorf("Dir1 should be the negated normal, got %v", c.Dir1)
	}
	if c.Elements[0].Normal.R <= 0 {
		t.Errorf("effective mass inverse should be positive, got %v", c.Elements[0].Normal.R)
	}
	if math.Abs(c.Tangent1.Dot(c.Dir1)) > 1e-12 {
		t.Errorf("tangent must be perpendicular to the force direction")
	}

	// Restitution: approach speed 2 along the normal.
	wantRhs := 1.0 * -2.0
	if math.Abs(builders[0].Infos[0].NormalRhsWoBias-wantRhs) > 1e-12 {
		t.Errorf("restitution rhs = %v, want %v", builders[0].Infos[0].NormalRhsWoBias, wantRhs)
	}
}

func TestGenerateTwoBodyConstraints_PanicsOnDominance(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nonzero relative dominance")
		}
	}()

	rb1 := newDynamicBody(mgl64.Vec3{-0.5, 0, 0}, mgl64.Vec3{})
	rb2 := newDynamicBody(mgl64.Vec3{0.5, 0, 0}, mgl64.Vec3{})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	solverState(bodies)

	manifold := headOnManifold(0, false)
	manifold.RelativeDominance = 1

	builders := make([]TwoBodyConstraintBuilder, 1)
	constraints := make([]TwoBodyConstraint, 1)
	GenerateTwoBodyConstraints(0, manifold, bodies, builders, constraints)
}

func TestSolve_HeadOnElasticSpheres(t *testing.T) {
	rb1 := newDynamicBody(mgl64.Vec3{-0.5, 0, 0}, mgl64.Vec3{1, 0, 0})
	rb2 := newDynamicBody(mgl64.Vec3{0.5, 0, 0}, mgl64.Vec3{-1, 0, 0})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	vels, snapshots := solverState(bodies)

	manifold := headOnManifold(1.0, true)
	builders := make([]TwoBodyConstraintBuilder, 1)
	constraints := make([]TwoBodyConstraint, 1)
	GenerateTwoBodyConstraints(0, manifold, bodies, builders, constraints)

	params := dynamics.DefaultIntegrationParameters()
	c := &constraints[0]
	builders[0].Update(&params, 0.0, snapshots, c)
	c.RemoveCfmAndBiasFromRhs()

	for i := 0; i < 20; i++ {
		c.Solve(vels, true, true)
	}

	rb1.ApplySolverVel(vels[0])
	rb2.ApplySolverVel(vels[1])

	// Equal masses, restitution 1: velocities reflect.
	if math.Abs(rb1.LinVel.X()-(-1.0)) > 1e-6 {
		t.Errorf("body1 velocity = %v, want -1", rb1.LinVel.X())
	}
	if math.Abs(rb2.LinVel.X()-1.0) > 1e-6 {
		t.Errorf("body2 velocity = %v, want +1", rb2.LinVel.X())
	}

	// Head-on impact: no friction impulse.
	if c.Elements[0].Tangent.Impulse.Len() > 1e-9 {
		t.Errorf("head-on impact should not build tangent impulse, got %v", c.Elements[0].Tangent.Impulse)
	}
	if c.Elements[0].Normal.Impulse < 0 {
		t.Errorf("normal impulse must stay non-negative, got %v", c.Elements[0].Normal.Impulse)
	}
}

func TestSolve_FrictionConeClamp(t *testing.T) {
	// Sphere sliding fast along x while resting on another body: the friction
	// impulse must saturate at mu times the normal impulse.
	rb1 := newDynamicBody(mgl64.Vec3{0, -0.5, 0}, mgl64.Vec3{})
	rb2 := newDynamicBody(mgl64.Vec3{0, 0.5, 0}, mgl64.Vec3{10, -1, 0})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	vels, snapshots := solverState(bodies)

	manifold := geometry.NewContactManifold(mgl64.Vec3{0, 1, 0}, 0, 1, []geometry.SolverContact{{
		Point:    mgl64.Vec3{0, 0, 0},
		Dist:     -0.01,
		Friction: 0.3,
	}})

	builders := make([]TwoBodyConstraintBuilder, 1)
	constraints := make([]TwoBodyConstraint, 1)
	GenerateTwoBodyConstraints(0, manifold, bodies, builders, constraints)

	params := dynamics.DefaultIntegrationParameters()
	c := &constraints[0]
	builders[0].Update(&params, 0.0, snapshots, c)

	for i := 0; i < 10; i++ {
		c.Solve(vels, true, true)
	}

	normal := c.Elements[0].Normal.Impulse
	tangent := c.Elements[0].Tangent.Impulse.Len()
	if normal <= 0 {
		t.Fatalf("expected positive normal impulse, got %v", normal)
	}
	if tangent > 0.3*normal+1e-9 {
		t.Errorf("tangent impulse %v exceeds friction cone %v", tangent, 0.3*normal)
	}
	// The slide is fast enough that the cone must actually saturate.
	if tangent < 0.3*normal-1e-6 {
		t.Errorf("tangent impulse %v should sit on the cone boundary %v", tangent, 0.3*normal)
	}
}

func TestUpdate_SeparatingContactHasNoBias(t *testing.T) {
	rb1 := newDynamicBody(mgl64.Vec3{-0.6, 0, 0}, mgl64.Vec3{})
	rb2 := newDynamicBody(mgl64.Vec3{0.6, 0, 0}, mgl64.Vec3{})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	_, snapshots := solverState(bodies)

	manifold := geometry.NewContactManifold(mgl64.Vec3{1, 0, 0}, 0, 1, []geometry.SolverContact{{
		Point:    mgl64.Vec3{0, 0, 0},
		Dist:     0.2, // separated
		Friction: 0.5,
	}})

	builders := make([]TwoBodyConstraintBuilder, 1)
	constraints := make([]TwoBodyConstraint, 1)
	GenerateTwoBodyConstraints(0, manifold, bodies, builders, constraints)

	params := dynamics.DefaultIntegrationParameters()
	c := &constraints[0]
	builders[0].Update(&params, 0.0, snapshots, c)

	normal := &c.Elements[0].Normal
	if normal.Rhs != normal.RhsWoBias {
		t.Errorf("separated contact must carry no bias: rhs=%v rhsWoBias=%v", normal.Rhs, normal.RhsWoBias)
	}
	// Positive distance shows up as a separating velocity allowance.
	if normal.RhsWoBias <= 0 {
		t.Errorf("separating contact should have positive bias-free rhs, got %v", normal.RhsWoBias)
	}
}

func TestUpdate_PenetrationBiasIsClamped(t *testing.T) {
	rb1 := newDynamicBody(mgl64.Vec3{-0.5, 0, 0}, mgl64.Vec3{})
	rb2 := newDynamicBody(mgl64.Vec3{0.5, 0, 0}, mgl64.Vec3{})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	_, snapshots := solverState(bodies)

	manifold := geometry.NewContactManifold(mgl64.Vec3{1, 0, 0}, 0, 1, []geometry.SolverContact{{
		Point:    mgl64.Vec3{0, 0, 0},
		Dist:     -0.05,
		Friction: 0.5,
	}})

	builders := make([]TwoBodyConstraintBuilder, 1)
	constraints := make([]TwoBodyConstraint, 1)
	GenerateTwoBodyConstraints(0, manifold, bodies, builders, constraints)

	params := dynamics.DefaultIntegrationParameters()
	params.MaxPenetrationCorrection = 0.01
	c := &constraints[0]
	builders[0].Update(&params, 0.0, snapshots, c)

	normal := &c.Elements[0].Normal
	bias := normal.Rhs - normal.RhsWoBias
	if bias >= 0 {
		t.Fatalf("penetrating contact must carry negative bias, got %v", bias)
	}
	if wantFloor := -params.ErpInvDt() * params.MaxPenetrationCorrection; bias < wantFloor-1e-12 {
		t.Errorf("bias %v exceeds the max correction floor %v", bias, wantFloor)
	}
}

func TestUpdate_ResetsSubstepImpulse(t *testing.T) {
	rb1 := newDynamicBody(mgl64.Vec3{-0.5, 0, 0}, mgl64.Vec3{})
	rb2 := newDynamicBody(mgl64.Vec3{0.5, 0, 0}, mgl64.Vec3{})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	_, snapshots := solverState(bodies)

	manifold := headOnManifold(0, false)
	builders := make([]TwoBodyConstraintBuilder, 1)
	constraints := make([]TwoBodyConstraint, 1)
	GenerateTwoBodyConstraints(0, manifold, bodies, builders, constraints)

	c := &constraints[0]
	c.Elements[0].Normal.Impulse = 3.0
	c.Elements[0].Tangent.Impulse = mgl64.Vec2{0.5, -0.5}

	params := dynamics.DefaultIntegrationParameters()
	builders[0].Update(&params, 0.0, snapshots, c)

	if c.Elements[0].Normal.Impulse != 0 {
		t.Errorf("update must reset the substep impulse, got %v", c.Elements[0].Normal.Impulse)
	}
	if c.Elements[0].Normal.TotalImpulse != 3.0 {
		t.Errorf("update must carry the impulse into the total, got %v", c.Elements[0].Normal.TotalImpulse)
	}
	if c.Elements[0].Tangent.Impulse != (mgl64.Vec2{}) {
		t.Errorf("update must reset the tangent impulse, got %v", c.Elements[0].Tangent.Impulse)
	}
	if c.Elements[0].Tangent.TotalImpulse != (mgl64.Vec2{0.5, -0.5}) {
		t.Errorf("update must carry the tangent impulse, got %v", c.Elements[0].Tangent.TotalImpulse)
	}
}

func TestUpdate_FastContactDisablesCfm(t *testing.T) {
	rb1 := newDynamicBody(mgl64.Vec3{-0.5, 0, 0}, mgl64.Vec3{50, 0, 0})
	rb2 := newDynamicBody(mgl64.Vec3{0.5, 0, 0}, mgl64.Vec3{-50, 0, 0})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	_, snapshots := solverState(bodies)

	manifold := headOnManifold(1.0, true)
	builders := make([]TwoBodyConstraintBuilder, 1)
	constraints := make([]TwoBodyConstraint, 1)
	GenerateTwoBodyConstraints(0, manifold, bodies, builders, constraints)

	params := dynamics.DefaultIntegrationParameters()
	params.CfmFactor = 0.8
	c := &constraints[0]
	builders[0].Update(&params, 0.0, snapshots, c)

	if !c.IsFastContact {
		t.Fatal("approach at 100 units/s against thin bodies must classify as fast")
	}
	if c.CfmFactor != 1.0 {
		t.Errorf("fast contacts must disable constraint-force mixing, CfmFactor=%v", c.CfmFactor)
	}

	// Classification is recomputed, not latched: a slow re-update clears it.
	builders[0].Infos[0].NormalRhsWoBias = 0
	builders[0].Update(&params, 0.0, snapshots, c)
	if c.IsFastContact {
		t.Error("fast-contact flag must be recomputed on every update")
	}
	if c.CfmFactor != 0.8 {
		t.Errorf("slow contacts keep the configured mixing factor, CfmFactor=%v", c.CfmFactor)
	}
}

func TestRemoveCfmAndBiasFromRhs_Idempotent(t *testing.T) {
	rb1 := newDynamicBody(mgl64.Vec3{-0.5, 0, 0}, mgl64.Vec3{1, 0, 0})
	rb2 := newDynamicBody(mgl64.Vec3{0.5, 0, 0}, mgl64.Vec3{-1, 0, 0})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	_, snapshots := solverState(bodies)

	manifold := headOnManifold(0.5, true)
	builders := make([]TwoBodyConstraintBuilder, 1)
	constraints := make([]TwoBodyConstraint, 1)
	GenerateTwoBodyConstraints(0, manifold, bodies, builders, constraints)

	params := dynamics.DefaultIntegrationParameters()
	params.CfmFactor = 0.9
	c := &constraints[0]
	builders[0].Update(&params, 0.0, snapshots, c)

	c.RemoveCfmAndBiasFromRhs()
	first := *c
	c.RemoveCfmAndBiasFromRhs()

	if *c != first {
		t.Error("removing bias twice must be a no-op the second time")
	}
	if c.CfmFactor != 1.0 {
		t.Errorf("bias removal must neutralize the mixing factor, got %v", c.CfmFactor)
	}
	for k := 0; k < c.NumContacts; k++ {
		if c.Elements[k].Normal.Rhs != c.Elements[k].Normal.RhsWoBias {
			t.Errorf("contact %d still biased after removal", k)
		}
	}

	// The substep impulse is not reseeded from the accumulated total.
	if c.Elements[0].Normal.Impulse != 0 {
		t.Errorf("bias removal must not touch the substep impulse, got %v", c.Elements[0].Normal.Impulse)
	}
}

func TestWritebackImpulses_CopiesByContactID(t *testing.T) {
	rb1 := newDynamicBody(mgl64.Vec3{-0.5, 0, 0}, mgl64.Vec3{})
	rb2 := newDynamicBody(mgl64.Vec3{0.5, 0, 0}, mgl64.Vec3{})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	solverState(bodies)

	manifold := geometry.NewContactManifold(mgl64.Vec3{1, 0, 0}, 0, 1, []geometry.SolverContact{
		{Point: mgl64.Vec3{0, 0.1, 0}, Friction: 0.5},
		{Point: mgl64.Vec3{0, -0.1, 0}, Friction: 0.5},
	})

	builders := make([]TwoBodyConstraintBuilder, 1)
	constraints := make([]TwoBodyConstraint, 1)
	GenerateTwoBodyConstraints(0, manifold, bodies, builders, constraints)

	c := &constraints[0]
	c.Elements[0].Normal.Impulse = 1.5
	c.Elements[0].Tangent.Impulse = mgl64.Vec2{0.1, 0.2}
	c.Elements[1].Normal.Impulse = 2.5
	c.Elements[1].Tangent.Impulse = mgl64.Vec2{-0.3, 0.4}

	c.WritebackImpulses([]*geometry.ContactManifold{manifold})

	if manifold.Data[0].Impulse != 1.5 || manifold.Data[1].Impulse != 2.5 {
		t.Errorf("normal impulses not written back: %+v", manifold.Data)
	}
	if manifold.Data[0].TangentImpulse != (mgl64.Vec2{0.1, 0.2}) {
		t.Errorf("tangent impulse not written back: %v", manifold.Data[0].TangentImpulse)
	}
}

func TestWritebackImpulses_PanicsOnStaleID(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for a stale contact id")
		}
	}()

	manifold := geometry.NewContactManifold(mgl64.Vec3{1, 0, 0}, 0, 1, []geometry.SolverContact{
		{Point: mgl64.Vec3{}},
	})

	c := InvalidTwoBodyConstraint()
	c.ManifoldID = 0
	c.NumContacts = 1
	c.ManifoldContactID[0] = 7
	c.WritebackImpulses([]*geometry.ContactManifold{manifold})
}

func TestSolve_ManifoldSplitsPastFourPoints(t *testing.T) {
	rb1 := newDynamicBody(mgl64.Vec3{-0.5, 0, 0}, mgl64.Vec3{})
	rb2 := newDynamicBody(mgl64.Vec3{0.5, 0, 0}, mgl64.Vec3{})
	bodies := []*dynamics.RigidBody{rb1, rb2}
	solverState(bodies)

	points := make([]geometry.SolverContact, 6)
	for i := range points {
		points[i] = geometry.SolverContact{
			Point:    mgl64.Vec3{0, float64(i) * 0.1, 0},
			Friction: 0.5,
		}
	}
	manifold := geometry.NewContactManifold(mgl64.Vec3{1, 0, 0}, 0, 1, points)

	count := TwoBodyConstraintCount(manifold)
	if count != 2 {
		t.Fatalf("6 points must split into 2 constraints, got %d", count)
	}

	builders := make([]TwoBodyConstraintBuilder, count)
	constraints := make([]TwoBodyConstraint, count)
	GenerateTwoBodyConstraints(0, manifold, bodies, builders, constraints)

	if constraints[0].NumContacts != 4 || constraints[1].NumContacts != 2 {
		t.Errorf("split sizes = %d, %d; want 4, 2", constraints[0].NumContacts, constraints[1].NumContacts)
	}
	if constraints[1].ManifoldContactID[0] != 4 {
		t.Errorf("second constraint must pick up contact id 4, got %d", constraints[1].ManifoldContactID[0])
	}
}
