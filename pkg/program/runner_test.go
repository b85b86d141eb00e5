package program_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petoiwire/pkg/engine"
	"petoiwire/pkg/program"
	"petoiwire/pkg/protocol"
)

type scriptedSender struct {
	mu       sync.Mutex
	sent     []string
	timeouts []time.Duration
	reply    func(wire protocol.Wire) (string, error)
}

func (s *scriptedSender) Send(_ context.Context, wire protocol.Wire, timeout time.Duration, _ bool) (string, error) {
	s.mu.Lock()
	s.sent = append(s.sent, wire.String())
	s.timeouts = append(s.timeouts, timeout)
	s.mu.Unlock()
	if s.reply == nil {
		return "", nil
	}
	return s.reply(wire)
}

func (s *scriptedSender) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func fastTimings() engine.Timings {
	t := engine.DefaultTimings()
	t.DelaySlice = 5 * time.Millisecond
	t.FramePoll = time.Millisecond
	t.AnyFramePoll = time.Millisecond
	t.NewFrameWait = 5 * time.Millisecond
	t.AnyFrameWait = 5 * time.Millisecond
	return t
}

func newRunner(sender *scriptedSender, opts ...program.Option) (*program.Runner, *bytes.Buffer) {
	out := &bytes.Buffer{}
	d := engine.NewDriver(sender, engine.WithTimings(fastTimings()))
	opts = append([]program.Option{program.WithOutput(out)}, opts...)
	return program.NewRunner(d, opts...), out
}

func TestRunSkillUsesClassTimeout(t *testing.T) {
	sender := &scriptedSender{}
	r, _ := newRunner(sender)

	err := r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepSkill, Command: "kwkF", Class: program.SkillGait},
		{Kind: program.StepSkill, Command: "ksit", Class: program.SkillPosture, Delay: program.Num(0.01)},
		{Kind: program.StepGyro, On: true},
		{Kind: program.StepNote, Note: 14, Duration: 8},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"kwkF", "ksit", "gU", "b 14 8"}, sender.commands())
	assert.Equal(t, 20*time.Second, sender.timeouts[0])
	assert.Equal(t, 10*time.Second, sender.timeouts[1])
}

func TestRunRelativeMoveReadsJoints(t *testing.T) {
	sender := &scriptedSender{reply: func(w protocol.Wire) (string, error) {
		if w.String() == "j" {
			return "0\t1\n5,\t0,\nj\n", nil
		}
		return "m\n", nil
	}}
	r, _ := newRunner(sender)

	err := r.Run(context.Background(), program.Program{Steps: []program.Step{{
		Kind: program.StepMove,
		Mode: program.MoveSequential,
		Joints: []program.JointDelta{
			{Joint: 0, Sign: 1, Angle: program.Num(10)},
			{Joint: 0, Sign: 1, Angle: program.Num(10)},
		},
	}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"j", "m 0 15 0 25"}, sender.commands())
}

func TestRunAbsoluteSimultaneousMoveSkipsQuery(t *testing.T) {
	sender := &scriptedSender{}
	r, _ := newRunner(sender)

	err := r.Run(context.Background(), program.Program{Steps: []program.Step{{
		Kind: program.StepMove,
		Mode: program.MoveSimultaneous,
		Joints: []program.JointDelta{
			{Joint: 8, Angle: program.Num(300)},
			{Joint: 9, Angle: program.Num(-40)},
		},
	}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"i 8 125 9 -40"}, sender.commands())
}

func TestRunToneListFallsBackToNotes(t *testing.T) {
	sender := &scriptedSender{reply: func(w protocol.Wire) (string, error) {
		if w.Binary {
			return "", errors.New("write failed")
		}
		return "b\n", nil
	}}
	r, _ := newRunner(sender)

	err := r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepToneList, Tones: "10, 4, 12"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"bytes:[66,10,4,12,4,126]", "b 10 4", "b 12 4"}, sender.commands())
}

func TestRunMelodyAndPinWrites(t *testing.T) {
	sender := &scriptedSender{}
	r, _ := newRunner(sender)

	err := r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepMelody, Notes: [][]int{{14, 4}, {7}, {16, 8}}},
		{Kind: program.StepAnalogWrite, Pin: 3},
		{Kind: program.StepDigitalWrite, Pin: 5, Value: program.Num(1)},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"bytes:[66,14,4,16,8,126]",
		"bytes:[87,97,3,128,126]",
		"bytes:[87,100,5,1,126]",
	}, sender.commands())
}

func TestRunForLoopLogs(t *testing.T) {
	sender := &scriptedSender{}
	r, out := newRunner(sender)

	err := r.Run(context.Background(), program.Program{Steps: []program.Step{{
		Kind: program.StepFor, Var: "i",
		From: program.Num(1), To: program.Num(5), By: program.Num(2),
		Do: []program.Step{{Kind: program.StepLog, Value: program.Var("i")}},
	}}})
	require.NoError(t, err)
	assert.Equal(t, "1\n3\n5\n", out.String())
}

func TestRunForRejectsNonPositiveStep(t *testing.T) {
	r, _ := newRunner(&scriptedSender{})
	err := r.Run(context.Background(), program.Program{Steps: []program.Step{{
		Kind: program.StepFor, Var: "i",
		From: program.Num(1), To: program.Num(5), By: program.Num(0),
	}}})
	require.ErrorIs(t, err, program.ErrInvalidStep)
}

func TestRunWhileUntilAndIf(t *testing.T) {
	r, out := newRunner(&scriptedSender{})
	err := r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepSet, Var: "n", Value: program.Num(0)},
		{Kind: program.StepWhile, Until: true, Cond: program.Bin(">=", program.Var("n"), program.Num(3)),
			Do: []program.Step{{Kind: program.StepSet, Var: "n", Value: program.Bin("+", program.Var("n"), program.Num(1))}}},
		{Kind: program.StepIf, Cond: program.Bin("==", program.Var("n"), program.Num(3)),
			Then: []program.Step{{Kind: program.StepLog, Value: program.Str("three")}},
			Else: []program.Step{{Kind: program.StepLog, Value: program.Str("other")}}},
		{Kind: program.StepForEach, Var: "x", List: program.List(program.Str("a"), program.Str("b")),
			Do: []program.Step{{Kind: program.StepLog, Value: program.Bin("+", program.Var("x"), program.Str("!"))}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, "three\na!\nb!\n", out.String())
	assert.Equal(t, float64(3), r.Vars()["n"])
}

func TestRunCancelledInsideLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &scriptedSender{}
	sender.reply = func(protocol.Wire) (string, error) {
		if len(sender.sent) >= 3 {
			cancel()
		}
		return "", nil
	}
	r, _ := newRunner(sender)

	err := r.Run(ctx, program.Program{Steps: []program.Step{{
		Kind: program.StepWhile, Cond: program.Bool(true),
		Do: []program.Step{{Kind: program.StepSkill, Command: "kbalance", Class: program.SkillPosture}},
	}}})
	require.Error(t, err)
	assert.True(t, engine.IsCancelled(err))
	assert.Len(t, sender.commands(), 3)
}

func TestRunDelayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	r, _ := newRunner(&scriptedSender{})

	start := time.Now()
	err := r.Run(ctx, program.Program{Steps: []program.Step{{Kind: program.StepDelay, Delay: program.Num(10)}}})
	assert.True(t, engine.IsCancelled(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunReadsInDebugMode(t *testing.T) {
	sender := &scriptedSender{reply: func(w protocol.Wire) (string, error) {
		switch w.String() {
		case "bytes:[82,97,3,126]":
			return "512\nR\n", nil
		case "bytes:[88,85,4,4,126]":
			return "=\n37\nX\n", nil
		case "j 2":
			return "=\n-30\nj\n", nil
		}
		return "", nil
	}}
	r, out := newRunner(sender, program.WithDebug(true))

	err := r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepSet, Var: "a", Value: &program.Expr{AnalogRead: intPtr(3)}},
		{Kind: program.StepSet, Var: "d", Value: &program.Expr{Ultrasonic: &program.UltrasonicExpr{Trigger: 4, Echo: -1}}},
		{Kind: program.StepSet, Var: "j", Value: &program.Expr{JointAngle: intPtr(2)}},
	}})
	require.NoError(t, err)
	vars := r.Vars()
	assert.Equal(t, float64(512), vars["a"])
	assert.Equal(t, float64(37), vars["d"])
	assert.Equal(t, float64(-30), vars["j"])
	assert.Contains(t, out.String(), "distance: 37")
}

func TestRunReadsQuietWithoutDebug(t *testing.T) {
	sender := &scriptedSender{reply: func(protocol.Wire) (string, error) { return "9\n", nil }}
	r, out := newRunner(sender)

	err := r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepSet, Var: "s", Value: &program.Expr{Sensor: "XG"}},
	}})
	require.NoError(t, err)
	assert.Empty(t, out.String())
	assert.Equal(t, []string{"XG"}, sender.commands())
	assert.Equal(t, float64(9), r.Vars()["s"])
}

func TestRunCameraActivatesOnce(t *testing.T) {
	sender := &scriptedSender{reply: func(w protocol.Wire) (string, error) {
		if w.String() == "XCp" {
			return "=\n-23.00 20.00 size = 42 56\nX\n", nil
		}
		return "", nil
	}}
	r, _ := newRunner(sender)

	err := r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepSet, Var: "c1", Value: &program.Expr{Camera: true}},
		{Kind: program.StepSet, Var: "c2", Value: &program.Expr{Camera: true}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"XCr", "XCp", "XCp"}, sender.commands())
	assert.Equal(t, []program.Value{-23.0, 20.0, 42.0, 56.0}, r.Vars()["c1"])
}

func TestRunCameraWithoutTargetIsEmpty(t *testing.T) {
	r, _ := newRunner(&scriptedSender{})
	err := r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepSet, Var: "c", Value: &program.Expr{Camera: true}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []program.Value{}, r.Vars()["c"])
}

func TestRunSkillFile(t *testing.T) {
	lib := program.NewSkillLibrary()
	skill, err := program.ParseSkill("wave", []byte(`{"token":"K","data":[[1,2],[3,-1]]}`))
	require.NoError(t, err)
	lib.Add(skill)

	sender := &scriptedSender{}
	r, _ := newRunner(sender, program.WithSkills(lib))
	err = r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepSkillFile, Skill: "missing"},
		{Kind: program.StepSkillFile, Skill: "wave"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"bytes:[75,1,2,3,255,126]"}, sender.commands())
}

func TestRunCustomAndRawJoints(t *testing.T) {
	sender := &scriptedSender{}
	r, _ := newRunner(sender)

	err := r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepCustom, Command: "kup"},
		{Kind: program.StepCustom, Command: "bytes:[84,1,126]"},
		{Kind: program.StepRawJoints, List: program.List()},
		{Kind: program.StepRawJoints, List: program.List(program.List(program.Num(1), program.Num(2)), program.Num(3))},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"kup", "bytes:[84,1,126]", "bytes:[76,1,2,3,126]"}, sender.commands())
}

func TestRunRejectsFractionalParam(t *testing.T) {
	r, _ := newRunner(&scriptedSender{})
	err := r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepAnalogWrite, Pin: 3, Value: program.Num(1.5)},
	}})
	require.ErrorIs(t, err, protocol.ErrNonIntegerParam)
}

func TestRunInputAndRandom(t *testing.T) {
	r, out := newRunner(&scriptedSender{},
		program.WithInput(strings.NewReader("7\nhello\n")),
		program.WithRandSource(rand.NewSource(1)),
	)
	err := r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepSet, Var: "n", Value: &program.Expr{Input: strPtr("number? ")}},
		{Kind: program.StepSet, Var: "s", Value: &program.Expr{Input: strPtr("")}},
		{Kind: program.StepSet, Var: "r", Value: &program.Expr{Random: &program.RandomExpr{From: 1, To: 6}}},
	}})
	require.NoError(t, err)
	vars := r.Vars()
	assert.Equal(t, float64(7), vars["n"])
	assert.Equal(t, "hello", vars["s"])
	roll, ok := vars["r"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, roll, 1.0)
	assert.LessOrEqual(t, roll, 6.0)
	assert.Equal(t, roll, float64(int(roll)))
	assert.Equal(t, "number? ", out.String())
}

func TestRunUnknownVariable(t *testing.T) {
	r, _ := newRunner(&scriptedSender{})
	err := r.Run(context.Background(), program.Program{Steps: []program.Step{
		{Kind: program.StepLog, Value: program.Var("nope")},
	}})
	require.ErrorIs(t, err, program.ErrUnknownVariable)
}

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }
