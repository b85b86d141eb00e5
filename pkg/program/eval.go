package program

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"petoiwire/pkg/engine"
	"petoiwire/pkg/protocol"
)

func (r *Runner) eval(ctx context.Context, e *Expr) (Value, error) {
	if e == nil {
		return nil, nil
	}
	switch {
	case e.Num != nil:
		return *e.Num, nil
	case e.Str != nil:
		return *e.Str, nil
	case e.Bool != nil:
		return *e.Bool, nil
	case e.Var != "":
		v, ok := r.vars[e.Var]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, e.Var)
		}
		return v, nil
	case e.List != nil:
		out := make([]Value, 0, len(e.List))
		for _, item := range e.List {
			v, err := r.eval(ctx, item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case e.Op != "":
		l, err := r.eval(ctx, e.Left)
		if err != nil {
			return nil, err
		}
		// Short circuit, so that a guarded read is not sent.
		switch {
		case e.Op == "and" && !truthy(l):
			return false, nil
		case e.Op == "or" && truthy(l):
			return true, nil
		}
		rv, err := r.eval(ctx, e.Right)
		if err != nil {
			return nil, err
		}
		return binaryOp(e.Op, l, rv)
	case e.Not != nil:
		v, err := r.eval(ctx, e.Not)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case e.Random != nil:
		return r.random(*e.Random), nil
	case e.Sensor != "":
		return r.readSensor(ctx, e.Sensor)
	case e.JointAngle != nil:
		wire, err := protocol.Encode("j", []int32{int32(*e.JointAngle)})
		if err != nil {
			return nil, err
		}
		return r.readScalar(ctx, wire, fmt.Sprintf("joint %d", *e.JointAngle))
	case e.AllJointAngles:
		resp, err := r.driver.Dispatch(ctx, protocol.Text(protocol.JointMarker), engine.ClassQuery, true, "")
		if err != nil {
			return nil, err
		}
		angles := protocol.ParseJointTable(resp)
		r.debugf("joint angles: %v", angles)
		return intsToValues(angles), nil
	case e.DigitalRead != nil:
		return r.readPin(ctx, "Rd", *e.DigitalRead)
	case e.AnalogRead != nil:
		return r.readPin(ctx, "Ra", *e.AnalogRead)
	case e.Ultrasonic != nil:
		return r.readUltrasonic(ctx, *e.Ultrasonic)
	case e.Camera:
		return r.readCamera(ctx)
	case e.Input != nil:
		return r.readInput(ctx, *e.Input)
	default:
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpr)
	}
}

// random returns an integer in [from, to], or a float in [from, to) when
// Float is set.
func (r *Runner) random(re RandomExpr) Value {
	from, to := re.From, re.To
	if re.Float {
		return r.rng.Float64()*(to-from) + from
	}
	return math.Floor(r.rng.Float64()*(to-from+1)) + from
}

func (r *Runner) readScalar(ctx context.Context, wire protocol.Wire, label string) (Value, error) {
	n, err := r.driver.QueryScalar(ctx, wire, engine.ClassQuery)
	if err != nil {
		return nil, err
	}
	r.debugf("%s: %d", label, n)
	return float64(n), nil
}

func (r *Runner) readPin(ctx context.Context, token string, pin int) (Value, error) {
	wire, err := protocol.Encode(token, []int32{int32(pin)})
	if err != nil {
		return nil, err
	}
	return r.readScalar(ctx, wire, fmt.Sprintf("%s pin %d", token, pin))
}

// readSensor sends a sensor query command verbatim and reads one integer.
func (r *Runner) readSensor(ctx context.Context, command string) (Value, error) {
	return r.readScalar(ctx, protocol.Text(command), command)
}

func (r *Runner) readUltrasonic(ctx context.Context, u UltrasonicExpr) (Value, error) {
	echo := u.Echo
	if echo == -1 {
		echo = u.Trigger
	}
	wire, err := protocol.Encode("XU", []int32{int32(u.Trigger), int32(echo)})
	if err != nil {
		return nil, err
	}
	return r.readScalar(ctx, wire, "distance")
}

// readCamera returns [x, y, width, height] of the current detection, or an
// empty list when nothing is seen. The camera task is started once per run.
func (r *Runner) readCamera(ctx context.Context) (Value, error) {
	if !r.cameraActive {
		if _, err := r.driver.Dispatch(ctx, protocol.Text("XCr"), engine.ClassQuery, true, ""); err != nil {
			return nil, err
		}
		r.cameraActive = true
	}
	resp, err := r.driver.Dispatch(ctx, protocol.Text("XCp"), engine.ClassQuery, true, "")
	if err != nil {
		return nil, err
	}

	timings := r.driver.Timings()
	coord, key, err := r.driver.WaitForNewFrame(ctx, r.lastFrameKey, timings.NewFrameWait)
	if err != nil {
		return nil, err
	}
	if key != "" {
		r.lastFrameKey = key
	} else {
		coord = r.driver.ParseCamera(resp)
	}
	if !coord.Found {
		if coord, err = r.driver.WaitForFrame(ctx, timings.AnyFrameWait); err != nil {
			return nil, err
		}
	}
	if !coord.Found {
		r.debugf("camera: no target")
		return []Value{}, nil
	}
	r.debugf("camera: %v", coord.Values())
	return floatsToValues(coord.Values()), nil
}

func (r *Runner) readInput(ctx context.Context, prompt string) (Value, error) {
	if err := engine.CheckCancel(ctx); err != nil {
		return nil, err
	}
	if prompt != "" {
		fmt.Fprint(r.out, prompt)
	}
	line, err := r.in.ReadString('\n')
	if err != nil && line == "" {
		r.logger.Warn("input unavailable", zap.Error(err))
		return "", nil
	}
	line = strings.TrimRight(line, "\r\n")
	if n, ok := toNumber(line); ok && strings.TrimSpace(line) != "" {
		return n, nil
	}
	return line, nil
}

func (r *Runner) debugf(format string, args ...any) {
	if r.debug {
		fmt.Fprintf(r.out, format+"\n", args...)
	}
}
