// Package wide provides fixed-width lane types for solving several
// independent contacts in lockstep. Per-lane branching is replaced by
// select-on-mask, so a batch is only as slow as its worst lane.
package wide

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Lanes is the batch width.
const Lanes = 4

// Float is one value per lane.
type Float [Lanes]float64

// Mask is one condition per lane.
type Mask [Lanes]bool

// Splat broadcasts a scalar to all lanes.
func Splat(v float64) Float {
	return Float{v, v, v, v}
}

func (a Float) Add(b Float) Float {
	return Float{a[0] + b[0], a[1] + b[1], a[2] + b[2], a[3] + b[3]}
}

func (a Float) Sub(b Float) Float {
	return Float{a[0] - b[0], a[1] - b[1], a[2] - b[2], a[3] - b[3]}
}

func (a Float) Mul(b Float) Float {
	return Float{a[0] * b[0], a[1] * b[1], a[2] * b[2], a[3] * b[3]}
}

// Inv returns the per-lane inverse, with the inverse of zero defined as zero.
func (a Float) Inv() Float {
	var out Float
	for i := range a {
		if a[i] != 0 {
			out[i] = 1.0 / a[i]
		}
	}

	return out
}

func (a Float) Sqrt() Float {
	return Float{math.Sqrt(a[0]), math.Sqrt(a[1]), math.Sqrt(a[2]), math.Sqrt(a[3])}
}

func (a Float) Max(b Float) Float {
	return Float{math.Max(a[0], b[0]), math.Max(a[1], b[1]), math.Max(a[2], b[2]), math.Max(a[3], b[3])}
}

func (a Float) Min(b Float) Float {
	return Float{math.Min(a[0], b[0]), math.Min(a[1], b[1]), math.Min(a[2], b[2]), math.Min(a[3], b[3])}
}

// Clamp limits every lane to [lo, hi].
func (a Float) Clamp(lo, hi Float) Float {
	return a.Max(lo).Min(hi)
}

func (a Float) Neg() Float {
	return Float{-a[0], -a[1], -a[2], -a[3]}
}

func (a Float) Lt(b Float) Mask {
	return Mask{a[0] < b[0], a[1] < b[1], a[2] < b[2], a[3] < b[3]}
}

func (a Float) Gt(b Float) Mask {
	return Mask{a[0] > b[0], a[1] > b[1], a[2] > b[2], a[3] > b[3]}
}

func (m Mask) Or(n Mask) Mask {
	return Mask{m[0] || n[0], m[1] || n[1], m[2] || n[2], m[3] || n[3]}
}

// Any reports whether the condition holds in at least one lane.
func (m Mask) Any() bool {
	return m[0] || m[1] || m[2] || m[3]
}

// Select picks ifTrue in lanes where the mask holds, ifFalse elsewhere.
func Select(m Mask, ifTrue, ifFalse Float) Float {
	var out Float
	for i := range m {
		if m[i] {
			out[i] = ifTrue[i]
		} else {
			out[i] = ifFalse[i]
		}
	}

	return out
}

// Vec3 is one 3D vector per lane, stored component-major.
type Vec3 struct {
	X, Y, Z Float
}

// SplatVec3 broadcasts a scalar vector to all lanes.
func SplatVec3(v mgl64.Vec3) Vec3 {
	return Vec3{X: Splat(v.X()), Y: Splat(v.Y()), Z: Splat(v.Z())}
}

// GatherVec3 packs four scalar vectors into one wide vector.
func GatherVec3(vs [Lanes]mgl64.Vec3) Vec3 {
	var out Vec3
	for i, v := range vs {
		out.X[i] = v.X()
		out.Y[i] = v.Y()
		out.Z[i] = v.Z()
	}

	return out
}

// Lane extracts the scalar vector of one lane.
func (v Vec3) Lane(i int) mgl64.Vec3 {
	return mgl64.Vec3{v.X[i], v.Y[i], v.Z[i]}
}

func (v Vec3) Add(w Vec3) Vec3 {
	return Vec3{v.X.Add(w.X), v.Y.Add(w.Y), v.Z.Add(w.Z)}
}

func (v Vec3) Sub(w Vec3) Vec3 {
	return Vec3{v.X.Sub(w.X), v.Y.Sub(w.Y), v.Z.Sub(w.Z)}
}

// Scale multiplies every lane's vector by that lane's scalar.
func (v Vec3) Scale(s Float) Vec3 {
	return Vec3{v.X.Mul(s), v.Y.Mul(s), v.Z.Mul(s)}
}

// MulElem multiplies componentwise, lane by lane.
func (v Vec3) MulElem(w Vec3) Vec3 {
	return Vec3{v.X.Mul(w.X), v.Y.Mul(w.Y), v.Z.Mul(w.Z)}
}

func (v Vec3) Dot(w Vec3) Float {
	return v.X.Mul(w.X).Add(v.Y.Mul(w.Y)).Add(v.Z.Mul(w.Z))
}

func (v Vec3) Cross(w Vec3) Vec3 {
	return Vec3{
		X: v.Y.Mul(w.Z).Sub(v.Z.Mul(w.Y)),
		Y: v.Z.Mul(w.X).Sub(v.X.Mul(w.Z)),
		Z: v.X.Mul(w.Y).Sub(v.Y.Mul(w.X)),
	}
}

// Normalize returns the per-lane normalized vector and the per-lane length.
// Zero-length lanes yield a zero vector, not NaN.
func (v Vec3) Normalize() (Vec3, Float) {
	length := v.Dot(v).Sqrt()

	return v.Scale(length.Inv()), length
}

// SelectVec3 picks ifTrue in lanes where the mask holds, ifFalse elsewhere.
func SelectVec3(m Mask, ifTrue, ifFalse Vec3) Vec3 {
	return Vec3{
		X: Select(m, ifTrue.X, ifFalse.X),
		Y: Select(m, ifTrue.Y, ifFalse.Y),
		Z: Select(m, ifTrue.Z, ifFalse.Z),
	}
}

// Vec2 is one 2D vector per lane.
type Vec2 struct {
	X, Y Float
}

func (v Vec2) Add(w Vec2) Vec2 {
	return Vec2{v.X.Add(w.X), v.Y.Add(w.Y)}
}

func (v Vec2) Sub(w Vec2) Vec2 {
	return Vec2{v.X.Sub(w.X), v.Y.Sub(w.Y)}
}

func (v Vec2) Len() Float {
	return v.X.Mul(v.X).Add(v.Y.Mul(v.Y)).Sqrt()
}

// CapMagnitude rescales every lane whose magnitude exceeds that lane's limit,
// preserving direction.
func (v Vec2) CapMagnitude(limit Float) Vec2 {
	length := v.Len()
	over := length.Gt(limit)
	scale := Select(over, limit.Mul(length.Inv()), Splat(1.0))

	return Vec2{v.X.Mul(scale), v.Y.Mul(scale)}
}

// Lane extracts the scalar vector of one lane.
func (v Vec2) Lane(i int) mgl64.Vec2 {
	return mgl64.Vec2{v.X[i], v.Y[i]}
}
