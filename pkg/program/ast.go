// Package program runs robot programs: trees of steps and expressions that
// dispatch commands through an engine.Driver.
package program

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StepKind names a step in a program file.
type StepKind string

const (
	StepSkill        StepKind = "skill"
	StepDelay        StepKind = "delay"
	StepGyro         StepKind = "gyro"
	StepNote         StepKind = "note"
	StepMelody       StepKind = "melody"
	StepToneList     StepKind = "tone_list"
	StepMove         StepKind = "move"
	StepRawJoints    StepKind = "raw_joints"
	StepSkillFile    StepKind = "skill_file"
	StepCustom       StepKind = "custom"
	StepAnalogWrite  StepKind = "analog_write"
	StepDigitalWrite StepKind = "digital_write"
	StepLog          StepKind = "log"
	StepSet          StepKind = "set"
	StepIf           StepKind = "if"
	StepRepeat       StepKind = "repeat"
	StepWhile        StepKind = "while"
	StepFor          StepKind = "for"
	StepForEach      StepKind = "for_each"
)

// Skill classes select the response timeout of a skill command.
const (
	SkillGait      = "gait"
	SkillPosture   = "posture"
	SkillAcrobatic = "acrobatic"
	SkillArm       = "arm"
)

// Step is one statement. Only the fields used by Kind are set.
type Step struct {
	Kind StepKind `yaml:"step"`

	// skill, custom
	Command string `yaml:"command,omitempty"`
	Class   string `yaml:"class,omitempty"`

	// Delay after the step, in seconds.
	Delay *Expr `yaml:"delay,omitempty"`

	// gyro
	On bool `yaml:"on,omitempty"`

	// note
	Note     int `yaml:"note,omitempty"`
	Duration int `yaml:"duration,omitempty"`

	// melody: note/duration pairs; entries of any other length are skipped.
	Notes [][]int `yaml:"notes,omitempty"`

	// tone_list: "tone,duration,tone,duration,..."
	Tones string `yaml:"tones,omitempty"`

	// move
	Mode   MoveMode     `yaml:"mode,omitempty"`
	Joints []JointDelta `yaml:"joints,omitempty"`

	// raw_joints, for_each
	List *Expr `yaml:"list,omitempty"`

	// skill_file
	Skill string `yaml:"skill,omitempty"`

	// analog_write, digital_write
	Pin int `yaml:"pin,omitempty"`

	// custom, analog_write, digital_write, log, set
	Value *Expr `yaml:"value,omitempty"`

	// set, for, for_each
	Var string `yaml:"var,omitempty"`

	// if, while
	Cond  *Expr  `yaml:"cond,omitempty"`
	Until bool   `yaml:"until,omitempty"`
	Then  []Step `yaml:"then,omitempty"`
	Else  []Step `yaml:"else,omitempty"`

	// repeat
	Times *Expr `yaml:"times,omitempty"`

	// for
	From *Expr `yaml:"from,omitempty"`
	To   *Expr `yaml:"to,omitempty"`
	By   *Expr `yaml:"by,omitempty"`

	// repeat, while, for, for_each
	Do []Step `yaml:"do,omitempty"`
}

// MoveMode selects how a move step sends its deltas.
type MoveMode string

const (
	MoveSequential   MoveMode = "sequential"
	MoveSimultaneous MoveMode = "simultaneous"
)

// Token returns the device token for the mode.
func (m MoveMode) Token() string {
	if m == MoveSimultaneous {
		return "i"
	}
	return "m"
}

// JointDelta targets one joint. With Sign zero Angle is absolute; with Sign
// +1 or -1 Angle is a magnitude added to the current angle.
type JointDelta struct {
	Joint int   `yaml:"joint"`
	Sign  int   `yaml:"sign,omitempty"`
	Angle *Expr `yaml:"angle"`
}

// Expr is an expression. Exactly one field is set.
type Expr struct {
	Num  *float64 `yaml:"num,omitempty"`
	Str  *string  `yaml:"str,omitempty"`
	Bool *bool    `yaml:"bool,omitempty"`
	Var  string   `yaml:"var,omitempty"`
	List []*Expr  `yaml:"list,omitempty"`

	Op    string `yaml:"op,omitempty"`
	Left  *Expr  `yaml:"left,omitempty"`
	Right *Expr  `yaml:"right,omitempty"`
	Not   *Expr  `yaml:"not,omitempty"`

	Random *RandomExpr `yaml:"random,omitempty"`

	Sensor         string          `yaml:"sensor,omitempty"`
	JointAngle     *int            `yaml:"joint_angle,omitempty"`
	AllJointAngles bool            `yaml:"all_joint_angles,omitempty"`
	DigitalRead    *int            `yaml:"digital_read,omitempty"`
	AnalogRead     *int            `yaml:"analog_read,omitempty"`
	Ultrasonic     *UltrasonicExpr `yaml:"ultrasonic,omitempty"`
	Camera         bool            `yaml:"camera,omitempty"`
	Input          *string         `yaml:"input,omitempty"`
}

type RandomExpr struct {
	From  float64 `yaml:"from"`
	To    float64 `yaml:"to"`
	Float bool    `yaml:"float,omitempty"`
}

// UltrasonicExpr reads a distance. Echo -1 means the trigger pin also
// echoes.
type UltrasonicExpr struct {
	Trigger int `yaml:"trigger"`
	Echo    int `yaml:"echo"`
}

// UnmarshalYAML accepts bare scalars and sequences as literals, so that
// `delay: 1.5` and `list: [1, 2]` need no wrapping.
func (e *Expr) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!int", "!!float":
			var n float64
			if err := node.Decode(&n); err != nil {
				return err
			}
			*e = Expr{Num: &n}
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return err
			}
			*e = Expr{Bool: &b}
		default:
			s := node.Value
			*e = Expr{Str: &s}
		}
		return nil
	case yaml.SequenceNode:
		var items []*Expr
		if err := node.Decode(&items); err != nil {
			return err
		}
		*e = Expr{List: items}
		if items == nil {
			e.List = []*Expr{}
		}
		return nil
	case yaml.MappingNode:
		type plain Expr
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*e = Expr(p)
		return nil
	default:
		return fmt.Errorf("line %d: unsupported expression", node.Line)
	}
}

// Literal and operator constructors for building programs in code.

func Num(n float64) *Expr { return &Expr{Num: &n} }

func Str(s string) *Expr { return &Expr{Str: &s} }

func Bool(b bool) *Expr { return &Expr{Bool: &b} }

func Var(name string) *Expr { return &Expr{Var: name} }

func List(items ...*Expr) *Expr {
	if items == nil {
		items = []*Expr{}
	}
	return &Expr{List: items}
}

func Bin(op string, left, right *Expr) *Expr {
	return &Expr{Op: op, Left: left, Right: right}
}

func Not(x *Expr) *Expr { return &Expr{Not: x} }

// Absolute and Relative build move deltas.
func Absolute(joint int, angle *Expr) JointDelta {
	return JointDelta{Joint: joint, Angle: angle}
}

func Relative(joint, sign int, magnitude *Expr) JointDelta {
	return JointDelta{Joint: joint, Sign: sign, Angle: magnitude}
}
