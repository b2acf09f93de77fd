package geometry

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestNewContactManifold_AssignsContactIDs(t *testing.T) {
	points := []SolverContact{
		{Point: mgl64.Vec3{0, 0, 0}},
		{Point: mgl64.Vec3{1, 0, 0}},
		{Point: mgl64.Vec3{0, 1, 0}},
	}

	m := NewContactManifold(mgl64.Vec3{0, 1, 0}, 3, 7, points)

	if m.Body1 != 3 || m.Body2 != 7 {
		t.Errorf("body handles = %d, %d", m.Body1, m.Body2)
	}
	if len(m.Data) != len(points) {
		t.Fatalf("impulse storage sized %d, want %d", len(m.Data), len(points))
	}
	for i, p := range m.Points {
		if int(p.ContactID) != i {
			t.Errorf("point %d has contact id %d", i, p.ContactID)
		}
	}
	for _, d := range m.Data {
		if d.Impulse != 0 || d.TangentImpulse != (mgl64.Vec2{}) {
			t.Error("fresh manifold must start with zero impulses")
		}
	}
}
