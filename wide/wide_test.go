package wide

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat_Arithmetic(t *testing.T) {
	a := Float{1, 2, 3, 4}
	b := Float{4, 3, 2, 1}

	assert.Equal(t, Float{5, 5, 5, 5}, a.Add(b))
	assert.Equal(t, Float{-3, -1, 1, 3}, a.Sub(b))
	assert.Equal(t, Float{4, 6, 6, 4}, a.Mul(b))
	assert.Equal(t, Float{-1, -2, -3, -4}, a.Neg())
	assert.Equal(t, Float{4, 3, 3, 4}, a.Max(b))
	assert.Equal(t, Float{1, 2, 2, 1}, a.Min(b))
}

func TestFloat_InvOfZeroIsZero(t *testing.T) {
	a := Float{2, 0, -4, 0.5}
	inv := a.Inv()

	assert.Equal(t, Float{0.5, 0, -0.25, 2}, inv)
	assert.False(t, math.IsInf(inv[1], 0), "inverse of zero must not be infinite")
}

func TestFloat_Clamp(t *testing.T) {
	a := Float{-2, 0.5, 3, 1}
	got := a.Clamp(Splat(0), Splat(1))

	assert.Equal(t, Float{0, 0.5, 1, 1}, got)
}

func TestMask_SelectAndOr(t *testing.T) {
	m := Float{1, 5, 3, 0}.Gt(Splat(2))
	require.Equal(t, Mask{false, true, true, false}, m)

	got := Select(m, Splat(10), Splat(20))
	assert.Equal(t, Float{20, 10, 10, 20}, got)

	n := Float{9, 0, 0, 0}.Gt(Splat(2))
	assert.Equal(t, Mask{true, true, true, false}, m.Or(n))
	assert.True(t, m.Any())
	assert.False(t, Mask{}.Any())
}

func TestVec3_GatherAndLaneRoundTrip(t *testing.T) {
	vs := [Lanes]mgl64.Vec3{
		{1, 2, 3},
		{-1, 0, 1},
		{0.5, 0.25, 0.125},
		{0, 0, 0},
	}

	w := GatherVec3(vs)
	for i := 0; i < Lanes; i++ {
		assert.Equal(t, vs[i], w.Lane(i), "lane %d", i)
	}
}

func TestVec3_DotAndCrossMatchScalar(t *testing.T) {
	a := [Lanes]mgl64.Vec3{{1, 0, 0}, {1, 2, 3}, {0, -1, 2}, {0.5, 0.5, 0.5}}
	b := [Lanes]mgl64.Vec3{{0, 1, 0}, {3, 2, 1}, {1, 1, 1}, {-2, 0, 2}}

	wa, wb := GatherVec3(a), GatherVec3(b)
	dot := wa.Dot(wb)
	cross := wa.Cross(wb)

	for i := 0; i < Lanes; i++ {
		assert.InDelta(t, a[i].Dot(b[i]), dot[i], 1e-15, "dot lane %d", i)
		assert.InDelta(t, 0.0, cross.Lane(i).Sub(a[i].Cross(b[i])).Len(), 1e-15, "cross lane %d", i)
	}
}

func TestVec3_NormalizeZeroLaneIsSafe(t *testing.T) {
	vs := [Lanes]mgl64.Vec3{
		{3, 0, 4},
		{0, 0, 0}, // degenerate lane
		{0, 2, 0},
		{1, 1, 1},
	}

	normalized, length := GatherVec3(vs).Normalize()

	assert.InDelta(t, 5.0, length[0], 1e-12)
	assert.Equal(t, 0.0, length[1])
	assert.Equal(t, mgl64.Vec3{}, normalized.Lane(1), "zero lane must stay zero, not NaN")
	assert.InDelta(t, 1.0, normalized.Lane(0).Len(), 1e-12)
	assert.InDelta(t, 1.0, normalized.Lane(3).Len(), 1e-12)
}

func TestVec2_CapMagnitude(t *testing.T) {
	v := Vec2{
		X: Float{3, 0.1, -6, 0},
		Y: Float{4, 0.1, 8, 0},
	}
	limit := Float{1, 10, 5, 2}

	capped := v.CapMagnitude(limit)

	// Lane 0: length 5 capped to 1, direction preserved.
	assert.InDelta(t, 1.0, capped.Lane(0).Len(), 1e-12)
	assert.InDelta(t, 0.6, capped.X[0], 1e-12)
	assert.InDelta(t, 0.8, capped.Y[0], 1e-12)

	// Lane 1: under the limit, untouched.
	assert.Equal(t, mgl64.Vec2{0.1, 0.1}, capped.Lane(1))

	// Lane 2: length 10 capped to 5.
	assert.InDelta(t, 5.0, capped.Lane(2).Len(), 1e-12)

	// Lane 3: zero vector stays zero under any limit.
	assert.Equal(t, mgl64.Vec2{}, capped.Lane(3))
}
