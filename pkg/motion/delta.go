// Package motion resolves absolute and relative joint targets into move
// command arguments.
package motion

import "fmt"

const (
	// DefaultJointCount is the size of the joint table when no live state is read.
	DefaultJointCount = 16
	MinAngle          = -125
	MaxAngle          = 125
)

// Delta is a requested change to one joint. Build it with Absolute or Relative.
type Delta struct {
	Joint    int
	Angle    int
	Sign     int
	relative bool
}

// Absolute sets a joint to angle.
func Absolute(joint, angle int) Delta {
	return Delta{Joint: joint, Angle: angle}
}

// Relative moves a joint by sign*magnitude from its current angle. Any
// negative sign is treated as -1, anything else as +1.
func Relative(joint, sign, magnitude int) Delta {
	if sign < 0 {
		sign = -1
	} else {
		sign = 1
	}
	return Delta{Joint: joint, Angle: magnitude, Sign: sign, relative: true}
}

// IsRelative reports whether the delta depends on the current joint angle.
func (d Delta) IsRelative() bool {
	return d.relative
}

func (d Delta) String() string {
	if d.relative {
		op := "+"
		if d.Sign < 0 {
			op = "-"
		}
		return fmt.Sprintf("joint %d %s= %d", d.Joint, op, d.Angle)
	}
	return fmt.Sprintf("joint %d = %d", d.Joint, d.Angle)
}

// apply returns the new angle of d's joint given its current angle.
func (d Delta) apply(current int) int {
	if d.relative {
		return clamp(current + d.Sign*d.Angle)
	}
	return clamp(d.Angle)
}

func clamp(angle int) int {
	return max(MinAngle, min(angle, MaxAngle))
}

// HasRelative reports whether any delta needs the live joint state.
func HasRelative(deltas []Delta) bool {
	for _, d := range deltas {
		if d.relative {
			return true
		}
	}
	return false
}
