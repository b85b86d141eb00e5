package motion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"petoiwire/pkg/protocol"
)

var ErrJointOutOfRange = errors.New("motion: joint id out of range")

// JointReader returns the live joint angle table. An empty table means the
// device gave no usable answer.
type JointReader interface {
	ReadJoints(ctx context.Context) ([]int, error)
}

// JointReaderFunc adapts a function to JointReader.
type JointReaderFunc func(ctx context.Context) ([]int, error)

func (f JointReaderFunc) ReadJoints(ctx context.Context) ([]int, error) {
	return f(ctx)
}

// Resolver turns joint deltas into move commands.
type Resolver struct {
	reader JointReader
	logger *zap.Logger
}

type Option func(*Resolver)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewResolver(reader JointReader, opts ...Option) *Resolver {
	r := &Resolver{
		reader: reader,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsSequential reports whether token walks deltas as a keyframe list.
func IsSequential(token string) bool {
	return strings.EqualFold(token, "m")
}

// EncodeMove resolves deltas against the joint state and encodes the move.
//
// The state is only read from the device when a relative delta is present;
// a failed or empty read counts as all joints at zero. Cancellation of ctx
// during the read is returned as an error.
func (r *Resolver) EncodeMove(ctx context.Context, token string, deltas []Delta) (protocol.Wire, error) {
	if len(deltas) == 0 {
		return protocol.Encode(token, nil)
	}

	state := make([]int, DefaultJointCount)
	if HasRelative(deltas) && r.reader != nil {
		current, err := r.reader.ReadJoints(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return protocol.Wire{}, err
		case err != nil:
			r.logger.Warn("joint query failed, assuming zero state", zap.Error(err))
		case len(current) == 0:
			r.logger.Warn("joint query returned no data, assuming zero state")
		default:
			state = loadState(current)
		}
	}

	var (
		pairs []int
		err   error
	)
	if IsSequential(token) {
		pairs, err = Sequential(state, deltas)
	} else {
		pairs, err = Simultaneous(state, deltas)
	}
	if err != nil {
		return protocol.Wire{}, err
	}

	params := make([]int32, len(pairs))
	for i, v := range pairs {
		params[i] = int32(v)
	}
	return protocol.Encode(token, params)
}

// Sequential applies deltas in order against a running state and emits one
// (joint, angle) pair per delta.
func Sequential(start []int, deltas []Delta) ([]int, error) {
	state := append([]int(nil), start...)
	out := make([]int, 0, 2*len(deltas))
	for _, d := range deltas {
		if err := checkJoint(d, len(state)); err != nil {
			return nil, err
		}
		state[d.Joint] = d.apply(state[d.Joint])
		out = append(out, d.Joint, state[d.Joint])
	}
	return out, nil
}

// Simultaneous applies deltas in order against a running state and emits one
// (joint, final angle) pair per distinct joint, in first-touched order.
func Simultaneous(start []int, deltas []Delta) ([]int, error) {
	state := append([]int(nil), start...)
	order := make([]int, 0, len(deltas))
	seen := make(map[int]struct{}, len(deltas))
	for _, d := range deltas {
		if err := checkJoint(d, len(state)); err != nil {
			return nil, err
		}
		state[d.Joint] = d.apply(state[d.Joint])
		if _, ok := seen[d.Joint]; !ok {
			seen[d.Joint] = struct{}{}
			order = append(order, d.Joint)
		}
	}
	out := make([]int, 0, 2*len(order))
	for _, joint := range order {
		out = append(out, joint, state[joint])
	}
	return out, nil
}

func loadState(current []int) []int {
	state := make([]int, max(DefaultJointCount, len(current)))
	copy(state, current)
	return state
}

func checkJoint(d Delta, size int) error {
	if d.Joint < 0 || d.Joint >= size {
		return fmt.Errorf("%w: %d", ErrJointOutOfRange, d.Joint)
	}
	return nil
}
