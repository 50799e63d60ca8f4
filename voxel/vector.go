package voxel

import "fmt"

// Vector3i is a plain 3-component integer vector.
type Vector3i struct {
	X, Y, Z int
}

func V3i(x, y, z int) Vector3i {
	return Vector3i{x, y, z}
}

func (v Vector3i) Volume() int {
	return v.X * v.Y * v.Z
}

func (v Vector3i) Add(o Vector3i) Vector3i {
	return Vector3i{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

func (v Vector3i) Sub(o Vector3i) Vector3i {
	return Vector3i{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// ZXYIndex linearizes v inside an area of the given size,
// with Y as the innermost (row) direction.
func (v Vector3i) ZXYIndex(area Vector3i) int {
	return (v.Z*area.X+v.X)*area.Y + v.Y
}

// FromZXYIndex recovers the position linearized by ZXYIndex.
func FromZXYIndex(i int, area Vector3i) Vector3i {
	y := i % area.Y
	q := i / area.Y
	x := q % area.X
	z := q / area.X
	return Vector3i{x, y, z}
}

// InBounds reports whether every component is inside [0, area).
func (v Vector3i) InBounds(area Vector3i) bool {
	return v.X >= 0 && v.Y >= 0 && v.Z >= 0 && v.X < area.X && v.Y < area.Y && v.Z < area.Z
}

func (v Vector3i) String() string {
	return fmt.Sprintf("(%d, %d, %d)", v.X, v.Y, v.Z)
}

func sortMinMax(a, b *Vector3i) {
	if a.X > b.X {
		a.X, b.X = b.X, a.X
	}
	if a.Y > b.Y {
		a.Y, b.Y = b.Y, a.Y
	}
	if a.Z > b.Z {
		a.Z, b.Z = b.Z, a.Z
	}
}

func clampTo(v *Vector3i, min, max Vector3i) {
	if v.X < min.X {
		v.X = min.X
	}
	if v.Y < min.Y {
		v.Y = min.Y
	}
	if v.Z < min.Z {
		v.Z = min.Z
	}
	if v.X > max.X {
		v.X = max.X
	}
	if v.Y > max.Y {
		v.Y = max.Y
	}
	if v.Z > max.Z {
		v.Z = max.Z
	}
}
