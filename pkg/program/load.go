package program

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Program is a named list of steps.
type Program struct {
	Name  string `yaml:"name"`
	Debug bool   `yaml:"debug,omitempty"`
	Steps []Step `yaml:"steps"`
}

// Parse decodes a YAML program and validates it. Unknown keys are errors.
func Parse(data []byte) (Program, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Program
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return Program{}, fmt.Errorf("parse program: empty document")
		}
		return Program{}, fmt.Errorf("parse program: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Program{}, err
	}
	return p, nil
}

func Load(path string) (Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Program{}, fmt.Errorf("read program: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return Program{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Validate checks that every step has the fields its kind needs.
func (p Program) Validate() error {
	return validateSteps(p.Steps, "steps")
}

func validateSteps(steps []Step, path string) error {
	for i, st := range steps {
		where := fmt.Sprintf("%s[%d]", path, i)
		if err := validateStep(st, where); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(st Step, where string) error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s (%s) needs %s", ErrInvalidStep, where, st.Kind, field)
	}
	switch st.Kind {
	case StepSkill:
		if st.Command == "" {
			return missing("command")
		}
		switch st.Class {
		case "", SkillGait, SkillPosture, SkillAcrobatic, SkillArm:
		default:
			return fmt.Errorf("%w: %s has unknown skill class %q", ErrInvalidStep, where, st.Class)
		}
	case StepDelay:
		if st.Delay == nil {
			return missing("delay")
		}
	case StepGyro, StepNote, StepMelody, StepToneList:
	case StepMove:
		switch st.Mode {
		case "", MoveSequential, MoveSimultaneous:
		default:
			return fmt.Errorf("%w: %s has unknown move mode %q", ErrInvalidStep, where, st.Mode)
		}
		for j, d := range st.Joints {
			if d.Angle == nil {
				return missing(fmt.Sprintf("joints[%d].angle", j))
			}
			if d.Sign < -1 || d.Sign > 1 {
				return fmt.Errorf("%w: %s joints[%d].sign must be -1, 0 or 1", ErrInvalidStep, where, j)
			}
		}
	case StepRawJoints:
		if st.List == nil {
			return missing("list")
		}
	case StepSkillFile:
		if st.Skill == "" {
			return missing("skill")
		}
	case StepCustom:
		if st.Value == nil && st.Command == "" {
			return missing("command or value")
		}
	case StepAnalogWrite, StepDigitalWrite, StepLog:
	case StepSet:
		if st.Var == "" {
			return missing("var")
		}
	case StepIf:
		if st.Cond == nil {
			return missing("cond")
		}
		if err := validateSteps(st.Then, where+".then"); err != nil {
			return err
		}
		return validateSteps(st.Else, where+".else")
	case StepRepeat:
		if st.Times == nil {
			return missing("times")
		}
		return validateSteps(st.Do, where+".do")
	case StepWhile:
		if st.Cond == nil {
			return missing("cond")
		}
		return validateSteps(st.Do, where+".do")
	case StepFor:
		if st.Var == "" || st.From == nil || st.To == nil {
			return missing("var, from and to")
		}
		return validateSteps(st.Do, where+".do")
	case StepForEach:
		if st.Var == "" || st.List == nil {
			return missing("var and list")
		}
		return validateSteps(st.Do, where+".do")
	default:
		return fmt.Errorf("%w: %s has kind %q", ErrUnknownStep, where, st.Kind)
	}
	return nil
}
