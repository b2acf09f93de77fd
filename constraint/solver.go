package constraint

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/legendofa/rapier/dynamics"
	"github.com/legendofa/rapier/geometry"
	"github.com/legendofa/rapier/wide"
)

// ContactSolver owns the per-step solver state: the indexed solver-velocity
// array for rigid bodies, the dense generalized velocities and jacobian rows
// for multibodies, and the constraint arenas. A solver is reused across steps;
// InitBodies and GenerateConstraints reset it.
type ContactSolver struct {
	Params *dynamics.IntegrationParameters

	// Iterations is the number of biased velocity iterations per substep.
	// RestitutionIterations run after the bias and mixing are stripped.
	Iterations            int
	RestitutionIterations int

	// UseBatching packs compatible two-body and one-body constraints four
	// at a time into lockstep batches.
	UseBatching bool

	Vels        []dynamics.SolverVel
	GenericVels []float64

	jacobians      []float64
	solverBodies   []dynamics.SolverBody
	invInertiaSqrt []mgl64.Mat3

	builders    []AnyConstraintBuilder
	constraints []AnyConstraint
}

// NewContactSolver creates a solver with the standard iteration counts.
func NewContactSolver(params *dynamics.IntegrationParameters) *ContactSolver {
	return &ContactSolver{
		Params:                params,
		Iterations:            4,
		RestitutionIterations: 1,
	}
}

// InitBodies assigns every dynamic body a slot in the solver-velocity array
// and snapshots the pose data the constraint updaters need. Mass properties
// are refreshed here so constraint generation sees the current pose.
func (s *ContactSolver) InitBodies(bodies []*dynamics.RigidBody) {
	s.Vels = s.Vels[:0]
	s.solverBodies = s.solverBodies[:0]
	s.invInertiaSqrt = s.invInertiaSqrt[:0]

	for _, rb := range bodies {
		rb.UpdateWorldMassProperties()
		if !rb.IsDynamic() {
			rb.ActiveSetOffset = -1

			continue
		}

		rb.ActiveSetOffset = len(s.Vels)
		s.Vels = append(s.Vels, rb.SolverVel())
		s.solverBodies = append(s.solverBodies, rb.SolverBodySnapshot())
		s.invInertiaSqrt = append(s.invInertiaSqrt, rb.EffectiveWorldInvInertiaSqrt)
	}
}

// GenerateConstraints builds constraints for every manifold. Manifolds whose
// first body is non-dynamic or dominance-locked take the one-body path;
// manifolds touching a multibody link take the generic path; everything else
// is a plain two-body contact, batched four wide when enabled and the lanes
// share no body.
func (s *ContactSolver) GenerateConstraints(
	manifolds []*geometry.ContactManifold,
	bodies []*dynamics.RigidBody,
	links map[int]MultibodyLink,
) {
	s.builders = s.builders[:0]
	s.constraints = s.constraints[:0]
	s.jacobians = s.jacobians[:0]

	var batchTwo, batchOne []int

	for id, m := range manifolds {
		link1, link2 := links[m.Body1], links[m.Body2]
		rb1, rb2 := bodies[m.Body1], bodies[m.Body2]

		switch {
		case link1 != nil || link2 != nil:
			if link1 == nil && !rb1.IsDynamic() {
				s.generateGenericOneBody(id, m, bodies, link2)
			} else {
				s.generateGenericTwoBody(id, m, bodies, link1, link2)
			}
		case !rb1.IsDynamic() || m.RelativeDominance > 0:
			if s.UseBatching && len(m.Points) <= MaxManifoldPoints && !rb1.IsDynamic() {
				batchOne = append(batchOne, id)
			} else {
				s.generateOneBody(id, m, bodies)
			}
		default:
			if !rb2.IsDynamic() {
				panic("constraint: manifolds must order a non-dynamic body first")
			}
			if s.UseBatching && len(m.Points) <= MaxManifoldPoints {
				batchTwo = append(batchTwo, id)
			} else {
				s.generateTwoBody(id, m, bodies)
			}
		}
	}

	s.packTwoBodyBatches(batchTwo, manifolds, bodies)
	s.packOneBodyBatches(batchOne, manifolds, bodies)
}

func (s *ContactSolver) generateTwoBody(id int, m *geometry.ContactManifold, bodies []*dynamics.RigidBody) {
	count := TwoBodyConstraintCount(m)
	tmpB := make([]TwoBodyConstraintBuilder, count)
	tmpC := make([]TwoBodyConstraint, count)
	GenerateTwoBodyConstraints(id, m, bodies, tmpB, tmpC)

	for l := 0; l < count; l++ {
		s.builders = append(s.builders, AnyConstraintBuilder{Kind: KindTwoBodies, TwoBodies: tmpB[l]})
		s.constraints = append(s.constraints, AnyConstraint{Kind: KindTwoBodies, TwoBodies: tmpC[l]})
	}
}

func (s *ContactSolver) generateOneBody(id int, m *geometry.ContactManifold, bodies []*dynamics.RigidBody) {
	count := TwoBodyConstraintCount(m)
	tmpB := make([]OneBodyConstraintBuilder, count)
	tmpC := make([]OneBodyConstraint, count)
	GenerateOneBodyConstraints(id, m, bodies, tmpB, tmpC)

	for l := 0; l < count; l++ {
		s.builders = append(s.builders, AnyConstraintBuilder{Kind: KindOneBody, OneBody: tmpB[l]})
		s.constraints = append(s.constraints, AnyConstraint{Kind: KindOneBody, OneBody: tmpC[l]})
	}
}

func (s *ContactSolver) generateGenericTwoBody(
	id int,
	m *geometry.ContactManifold,
	bodies []*dynamics.RigidBody,
	link1, link2 MultibodyLink,
) {
	count := TwoBodyConstraintCount(m)
	tmpB := make([]GenericTwoBodyConstraintBuilder, count)
	tmpC := make([]GenericTwoBodyConstraint, count)
	GenerateGenericTwoBodyConstraints(id, m, bodies, link1, link2, &s.jacobians, tmpB, tmpC)

	for l := 0; l < count; l++ {
		s.builders = append(s.builders, AnyConstraintBuilder{Kind: KindGenericTwoBodies, GenericTwoBodies: tmpB[l]})
		s.constraints = append(s.constraints, AnyConstraint{Kind: KindGenericTwoBodies, GenericTwoBodies: tmpC[l]})
	}
}

func (s *ContactSolver) generateGenericOneBody(
	id int,
	m *geometry.ContactManifold,
	bodies []*dynamics.RigidBody,
	link2 MultibodyLink,
) {
	count := TwoBodyConstraintCount(m)
	tmpB := make([]GenericOneBodyConstraintBuilder, count)
	tmpC := make([]GenericOneBodyConstraint, count)
	GenerateGenericOneBodyConstraints(id, m, bodies, link2, &s.jacobians, tmpB, tmpC)

	for l := 0; l < count; l++ {
		s.builders = append(s.builders, AnyConstraintBuilder{Kind: KindGenericOneBody, GenericOneBody: tmpB[l]})
		s.constraints = append(s.constraints, AnyConstraint{Kind: KindGenericOneBody, GenericOneBody: tmpC[l]})
	}
}

// packTwoBodyBatches greedily groups candidate manifolds four at a time,
// flushing a group early whenever a lane would alias a body already in it.
func (s *ContactSolver) packTwoBodyBatches(ids []int, manifolds []*geometry.ContactManifold, bodies []*dynamics.RigidBody) {
	group := make([]int, 0, wide.Lanes)
	used := map[int]struct{}{}

	flush := func() {
		if len(group) == 0 {
			return
		}

		laneManifolds := make([]*geometry.ContactManifold, len(group))
		for i, id := range group {
			laneManifolds[i] = manifolds[id]
		}

		var builder BatchTwoBodyConstraintBuilder
		var c BatchTwoBodyConstraint
		GenerateBatchTwoBodyConstraints(group, laneManifolds, bodies, &builder, &c)

		s.builders = append(s.builders, AnyConstraintBuilder{Kind: KindBatchTwoBodies, BatchTwoBodies: builder})
		s.constraints = append(s.constraints, AnyConstraint{Kind: KindBatchTwoBodies, BatchTwoBodies: c})

		group = group[:0]
		clear(used)
	}

	for _, id := range ids {
		m := manifolds[id]
		slot1 := bodies[m.Body1].ActiveSetOffset
		slot2 := bodies[m.Body2].ActiveSetOffset

		_, clash1 := used[slot1]
		_, clash2 := used[slot2]
		if clash1 || clash2 || len(group) == wide.Lanes {
			flush()
		}

		group = append(group, id)
		used[slot1] = struct{}{}
		used[slot2] = struct{}{}
	}
	flush()
}

func (s *ContactSolver) packOneBodyBatches(ids []int, manifolds []*geometry.ContactManifold, bodies []*dynamics.RigidBody) {
	group := make([]int, 0, wide.Lanes)
	used := map[int]struct{}{}

	flush := func() {
		if len(group) == 0 {
			return
		}

		laneManifolds := make([]*geometry.ContactManifold, len(group))
		for i, id := range group {
			laneManifolds[i] = manifolds[id]
		}

		var builder BatchOneBodyConstraintBuilder
		var c BatchOneBodyConstraint
		GenerateBatchOneBodyConstraints(group, laneManifolds, bodies, &builder, &c)

		s.builders = append(s.builders, AnyConstraintBuilder{Kind: KindBatchOneBody, BatchOneBody: builder})
		s.constraints = append(s.constraints, AnyConstraint{Kind: KindBatchOneBody, BatchOneBody: c})

		group = group[:0]
		clear(used)
	}

	for _, id := range ids {
		slot2 := bodies[manifolds[id].Body2].ActiveSetOffset

		if _, clash := used[slot2]; clash || len(group) == wide.Lanes {
			flush()
		}

		group = append(group, id)
		used[slot2] = struct{}{}
	}
	flush()
}

// Solve runs the substepped velocity solve over the generated constraints and
// writes the final impulses back into the manifolds for warm starting.
//
// Each substep refreshes the right-hand sides from the advanced poses, runs
// the biased iterations, strips the bias and mixing, and lets restitution
// settle on the bias-free system before the solver bodies integrate forward.
func (s *ContactSolver) Solve(manifolds []*geometry.ContactManifold, substeps int) {
	if substeps < 1 {
		substeps = 1
	}

	subParams := *s.Params
	subParams.Dt = s.Params.Dt / float64(substeps)

	for sub := 0; sub < substeps; sub++ {
		solvedDt := float64(sub) * subParams.Dt

		for i := range s.builders {
			s.builders[i].Update(&subParams, solvedDt, s.solverBodies, &s.constraints[i])
		}

		for it := 0; it < s.Iterations; it++ {
			s.sweep()
		}

		for i := range s.constraints {
			s.constraints[i].RemoveBias()
		}
		for it := 0; it < s.RestitutionIterations; it++ {
			s.sweep()
		}

		s.integrateSolverBodies(subParams.Dt)
	}

	for i := range s.constraints {
		s.constraints[i].WritebackImpulses(manifolds)
	}
}

// sweep runs one Gauss-Seidel pass: all normal components first, then all
// friction components against the updated normal impulses.
func (s *ContactSolver) sweep() {
	for i := range s.constraints {
		s.constraints[i].SolveRestitution(s.jacobians, s.Vels, s.GenericVels)
	}
	for i := range s.constraints {
		s.constraints[i].SolveFriction(s.jacobians, s.Vels, s.GenericVels)
	}
}

// integrateSolverBodies advances the snapshot poses by the current solver
// velocities so the next substep's update sees where the bodies will be.
func (s *ContactSolver) integrateSolverBodies(dt float64) {
	for i := range s.solverBodies {
		v := s.Vels[i]
		angvel := s.invInertiaSqrt[i].Mul3x1(v.Angular)
		s.solverBodies[i].Position = integratePose(s.solverBodies[i].Position, v.Linear, angvel, dt)
	}
}

// ApplyVels writes the solved velocities back into the dynamic bodies.
func (s *ContactSolver) ApplyVels(bodies []*dynamics.RigidBody) {
	for _, rb := range bodies {
		if rb.IsDynamic() {
			rb.ApplySolverVel(s.Vels[rb.ActiveSetOffset])
		}
	}
}
