package constraint

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/legendofa/rapier/wide"
)

// Below this relative sliding speed the tangent direction is considered
// degenerate and an arbitrary orthonormal fallback is used instead.
const tangentSlidingThreshold = 1.0e-4

// OrthonormalVector returns an arbitrary unit vector orthogonal to n.
func OrthonormalVector(n mgl64.Vec3) mgl64.Vec3 {
	axis := mgl64.Vec3{1, 0, 0}
	if math.Abs(n.X()) > 0.9 {
		axis = mgl64.Vec3{0, 1, 0}
	}

	return axis.Sub(n.Mul(axis.Dot(n))).Normalize()
}

// TangentContactDirections computes the friction tangent frame for a contact.
// The primary tangent follows the relative sliding direction when it is
// meaningful, which keeps friction aligned with the actual slip and improves
// stability; otherwise it falls back to an arbitrary orthonormal vector.
// The bitangent is the normal crossed with the primary tangent.
func TangentContactDirections(forceDir1, linvel1, linvel2 mgl64.Vec3) [2]mgl64.Vec3 {
	relativeLinvel := linvel1.Sub(linvel2)
	tangentRelativeLinvel := relativeLinvel.Sub(forceDir1.Mul(forceDir1.Dot(relativeLinvel)))

	var tangent mgl64.Vec3
	if length := tangentRelativeLinvel.Len(); length > tangentSlidingThreshold {
		tangent = tangentRelativeLinvel.Mul(1.0 / length)
	} else {
		tangent = OrthonormalVector(forceDir1)
	}

	return [2]mgl64.Vec3{tangent, forceDir1.Cross(tangent)}
}

// orthonormalVectorWide is the lane-parallel twin of OrthonormalVector. The
// axis choice is made per lane with a select instead of a branch.
func orthonormalVectorWide(n wide.Vec3) wide.Vec3 {
	useY := n.X.Max(n.X.Neg()).Gt(wide.Splat(0.9))
	axis := wide.SelectVec3(useY, wide.SplatVec3(mgl64.Vec3{0, 1, 0}), wide.SplatVec3(mgl64.Vec3{1, 0, 0}))

	projected := axis.Sub(n.Scale(axis.Dot(n)))
	normalized, _ := projected.Normalize()

	return normalized
}

// TangentContactDirectionsWide computes the tangent frame for a full batch of
// independent contacts in lockstep. Lanes whose sliding speed is below the
// threshold take the fallback direction via a per-lane select.
func TangentContactDirectionsWide(forceDir1, linvel1, linvel2 wide.Vec3) [2]wide.Vec3 {
	relativeLinvel := linvel1.Sub(linvel2)
	tangentRelativeLinvel := relativeLinvel.Sub(forceDir1.Scale(forceDir1.Dot(relativeLinvel)))

	// A zero-length lane normalizes to zero here; the select below replaces
	// it with the fallback, so no lane ever divides by zero.
	normalized, length := tangentRelativeLinvel.Normalize()

	useFallback := length.Lt(wide.Splat(tangentSlidingThreshold))
	fallback := orthonormalVectorWide(forceDir1)

	tangent := wide.SelectVec3(useFallback, fallback, normalized)

	return [2]wide.Vec3{tangent, forceDir1.Cross(tangent)}
}
