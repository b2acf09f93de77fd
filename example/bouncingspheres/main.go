package main

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/legendofa/rapier/constraint"
	"github.com/legendofa/rapier/dynamics"
	"github.com/legendofa/rapier/geometry"
)

const (
	sphereRadius  = 0.5
	contactMargin = 0.05
)

// Scene is a minimal driver around the contact solver: a static ground plane
// at y=0 and a set of falling spheres. Contact detection is analytic
// (sphere vs plane), the solver does the rest.
type Scene struct {
	Bodies  []*dynamics.RigidBody
	Gravity mgl64.Vec3

	params dynamics.IntegrationParameters
	solver *constraint.ContactSolver

	// Per-sphere restitution, keyed by body index.
	restitutions map[int]float64

	// Last solved impulses keyed by the sphere's body index, for reporting.
	lastImpulses map[int]geometry.ContactData
}

func NewScene() *Scene {
	params := dynamics.DefaultIntegrationParameters()

	return &Scene{
		Gravity:      mgl64.Vec3{0, -9.81, 0},
		params:       params,
		solver:       constraint.NewContactSolver(&params),
		restitutions: map[int]float64{},
		lastImpulses: map[int]geometry.ContactData{},
	}
}

func (s *Scene) AddGround() int {
	ground := dynamics.NewRigidBody(dynamics.NewTransform(), 0.0, mgl64.Vec3{}, dynamics.BodyTypeStatic)
	s.Bodies = append(s.Bodies, ground)

	return len(s.Bodies) - 1
}

func (s *Scene) AddSphere(position mgl64.Vec3, restitution float64) int {
	mass := 1.0
	inertia := 0.4 * mass * sphereRadius * sphereRadius
	rb := dynamics.NewRigidBody(
		dynamics.TransformAt(position, mgl64.QuatIdent()),
		mass,
		mgl64.Vec3{inertia, inertia, inertia},
		dynamics.BodyTypeDynamic,
	)
	rb.CcdThickness = sphereRadius
	s.Bodies = append(s.Bodies, rb)

	id := len(s.Bodies) - 1
	s.restitutions[id] = restitution

	return id
}

// detectContacts builds one single-point manifold per sphere close enough to
// the ground plane.
func (s *Scene) detectContacts(groundID int) []*geometry.ContactManifold {
	var manifolds []*geometry.ContactManifold

	for i, rb := range s.Bodies {
		if !rb.IsDynamic() {
			continue
		}

		dist := rb.Transform.Position.Y() - sphereRadius
		if dist > contactMargin {
			continue
		}

		contactPoint := rb.Transform.Position.Sub(mgl64.Vec3{0, sphereRadius, 0})
		approachSpeed := -rb.LinVel.Y()

		m := geometry.NewContactManifold(mgl64.Vec3{0, 1, 0}, groundID, i, []geometry.SolverContact{{
			Point:       contactPoint,
			Dist:        dist,
			Friction:    0.6,
			Restitution: s.restitutions[i],
			IsBouncy:    approachSpeed > 1.0,
		}})

		manifolds = append(manifolds, m)
	}

	return manifolds
}

func (s *Scene) Step(groundID int) {
	dt := s.params.Dt

	for _, rb := range s.Bodies {
		if rb.IsDynamic() {
			rb.LinVel = rb.LinVel.Add(s.Gravity.Mul(dt))
		}
	}

	manifolds := s.detectContacts(groundID)

	s.solver.InitBodies(s.Bodies)
	s.solver.GenerateConstraints(manifolds, s.Bodies, nil)
	s.solver.Solve(manifolds, 4)
	s.solver.ApplyVels(s.Bodies)

	for _, m := range manifolds {
		s.lastImpulses[m.Body2] = m.Data[0]
	}

	for _, rb := range s.Bodies {
		if rb.IsDynamic() {
			rb.Transform = dynamics.TransformAt(
				rb.Transform.Position.Add(rb.LinVel.Mul(dt)),
				rb.Transform.Rotation,
			)
		}
	}
}

func main() {
	scene := NewScene()
	groundID := scene.AddGround()
	sphereID := scene.AddSphere(mgl64.Vec3{0, 3.0, 0}, 0.8)

	fmt.Println("Bouncing sphere, restitution 0.8")
	fmt.Println("================================")

	sphere := scene.Bodies[sphereID]
	peak := 0.0

	for step := 0; step < 600; step++ {
		prevVy := sphere.LinVel.Y()

		scene.Step(groundID)

		y := sphere.Transform.Position.Y()
		peak = max(peak, y)

		// Report each bounce: the vertical velocity flips sign on impact.
		if prevVy < 0 && sphere.LinVel.Y() > 0 {
			fmt.Printf("step %3d: bounce at y=%.3f, speed %.3f -> %.3f, impulse %.4f (peak so far %.3f)\n",
				step, y, -prevVy, sphere.LinVel.Y(),
				scene.lastImpulses[sphereID].Impulse, peak)
			peak = 0.0
		}
	}

	fmt.Printf("\nfinal state: y=%.4f vy=%.4f\n",
		sphere.Transform.Position.Y(), sphere.LinVel.Y())
}
