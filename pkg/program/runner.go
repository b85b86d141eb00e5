package program

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"petoiwire/pkg/engine"
	"petoiwire/pkg/metrics"
	"petoiwire/pkg/motion"
	"petoiwire/pkg/protocol"
)

const (
	defaultAnalogValue = 128
	defaultToneBeat    = 4
)

// Runner executes programs against one driver. A Runner runs one program at
// a time.
type Runner struct {
	driver   *engine.Driver
	resolver *motion.Resolver
	skills   *SkillLibrary
	logger   *zap.Logger
	out      io.Writer
	in       *bufio.Reader
	debug    bool
	rng      *rand.Rand

	vars         map[string]Value
	cameraActive bool
	lastFrameKey string
}

type Option func(*Runner)

func WithSkills(lib *SkillLibrary) Option {
	return func(r *Runner) {
		r.skills = lib
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithOutput receives log steps and, in debug mode, sensor readings.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) {
		if w != nil {
			r.out = w
		}
	}
}

// WithInput supplies answers to input expressions.
func WithInput(rd io.Reader) Option {
	return func(r *Runner) {
		if rd != nil {
			r.in = bufio.NewReader(rd)
		}
	}
}

func WithDebug(debug bool) Option {
	return func(r *Runner) {
		r.debug = debug
	}
}

// WithRandSource makes random expressions reproducible.
func WithRandSource(src rand.Source) Option {
	return func(r *Runner) {
		if src != nil {
			r.rng = rand.New(src)
		}
	}
}

func NewRunner(driver *engine.Driver, opts ...Option) *Runner {
	r := &Runner{
		driver: driver,
		skills: NewSkillLibrary(),
		logger: zap.NewNop(),
		out:    os.Stdout,
		in:     bufio.NewReader(os.Stdin),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.resolver = motion.NewResolver(driver, motion.WithLogger(r.logger))
	return r
}

// Vars returns the variables left by the last run.
func (r *Runner) Vars() map[string]Value {
	out := make(map[string]Value, len(r.vars))
	for k, v := range r.vars {
		out[k] = v
	}
	return out
}

// Run executes p from the top. It returns an error wrapping
// engine.ErrCancelled when ctx is cancelled; that is a stop, not a failure.
func (r *Runner) Run(ctx context.Context, p Program) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.vars = make(map[string]Value)
	r.cameraActive = false
	r.lastFrameKey = ""
	debug := r.debug
	if p.Debug {
		r.debug = true
	}
	defer func() { r.debug = debug }()

	r.logger.Info("program started", zap.String("program", p.Name), zap.Int("steps", len(p.Steps)))
	start := time.Now()
	err := r.execBlock(ctx, p.Steps)
	switch {
	case err == nil:
		r.logger.Info("program finished", zap.String("program", p.Name), zap.Duration("elapsed", time.Since(start)))
	case engine.IsCancelled(err):
		metrics.RecordCancellation()
		r.logger.Info("program stopped", zap.String("program", p.Name), zap.Duration("elapsed", time.Since(start)))
	default:
		r.logger.Error("program failed", zap.String("program", p.Name), zap.Error(err))
	}
	return err
}

func (r *Runner) execBlock(ctx context.Context, steps []Step) error {
	for i := range steps {
		if err := r.exec(ctx, &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) exec(ctx context.Context, st *Step) error {
	switch st.Kind {
	case StepSkill:
		return r.dispatchThenWait(ctx, st, protocol.Text(st.Command), skillClass(st.Class), "", roundMillis)
	case StepDelay:
		return r.delayStep(ctx, st)
	case StepGyro:
		token := "gu"
		if st.On {
			token = "gU"
		}
		_, err := r.driver.Dispatch(ctx, protocol.Text(token), engine.ClassQuery, true, "")
		return err
	case StepNote:
		wire, err := protocol.Encode("b", []int32{int32(st.Note), int32(st.Duration)})
		if err != nil {
			return err
		}
		_, err = r.driver.Dispatch(ctx, wire, engine.ClassQuery, true, "")
		return err
	case StepMelody:
		return r.melody(ctx, st)
	case StepToneList:
		return r.toneList(ctx, st)
	case StepMove:
		return r.move(ctx, st)
	case StepRawJoints:
		return r.rawJoints(ctx, st)
	case StepSkillFile:
		return r.skillFile(ctx, st)
	case StepCustom:
		return r.custom(ctx, st)
	case StepAnalogWrite:
		return r.pinWrite(ctx, "Wa", st, defaultAnalogValue)
	case StepDigitalWrite:
		return r.pinWrite(ctx, "Wd", st, 0)
	case StepLog:
		v, err := r.eval(ctx, st.Value)
		if err != nil {
			return err
		}
		r.println(v)
		return nil
	case StepSet:
		v, err := r.eval(ctx, st.Value)
		if err != nil {
			return err
		}
		r.vars[st.Var] = v
		return nil
	case StepIf:
		cond, err := r.eval(ctx, st.Cond)
		if err != nil {
			return err
		}
		if truthy(cond) {
			return r.execBlock(ctx, st.Then)
		}
		return r.execBlock(ctx, st.Else)
	case StepRepeat:
		return r.repeat(ctx, st)
	case StepWhile:
		return r.while(ctx, st)
	case StepFor:
		return r.forRange(ctx, st)
	case StepForEach:
		return r.forEach(ctx, st)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStep, st.Kind)
	}
}

type millisRounding func(float64) float64

var (
	roundMillis millisRounding = math.Round
	ceilMillis  millisRounding = math.Ceil
	truncMillis millisRounding = math.Trunc
)

// dispatchThenWait sends wire and then waits out the step's delay.
func (r *Runner) dispatchThenWait(ctx context.Context, st *Step, wire protocol.Wire, class engine.Class, display string, rounding millisRounding) error {
	if err := engine.CheckCancel(ctx); err != nil {
		return err
	}
	resp, err := r.driver.Dispatch(ctx, wire, class, true, display)
	if err != nil {
		return err
	}
	r.logResponse(wire, resp)
	return r.wait(ctx, st.Delay, rounding)
}

func (r *Runner) wait(ctx context.Context, delay *Expr, rounding millisRounding) error {
	if delay == nil {
		return nil
	}
	v, err := r.eval(ctx, delay)
	if err != nil {
		return err
	}
	seconds, ok := toNumber(v)
	if !ok {
		return fmt.Errorf("%w: delay %s", ErrNotNumber, formatValue(v))
	}
	ms := rounding(seconds * 1000)
	if ms <= 0 {
		return nil
	}
	return r.driver.Delay(ctx, time.Duration(ms)*time.Millisecond)
}

func (r *Runner) delayStep(ctx context.Context, st *Step) error {
	if err := engine.CheckCancel(ctx); err != nil {
		return err
	}
	return r.wait(ctx, st.Delay, roundMillis)
}

func (r *Runner) melody(ctx context.Context, st *Step) error {
	var params []int32
	for _, pair := range st.Notes {
		if len(pair) != 2 {
			continue
		}
		params = append(params, int32(pair[0]), int32(pair[1]))
	}
	wire, err := protocol.Encode("B", params)
	if err != nil {
		return err
	}
	return r.dispatchThenWait(ctx, st, wire, engine.ClassLong, displayCommand("B", params), ceilMillis)
}

// toneList sends all notes as one frame and falls back to one note command
// per tone when the frame is rejected.
func (r *Runner) toneList(ctx context.Context, st *Step) error {
	if err := engine.CheckCancel(ctx); err != nil {
		return err
	}
	pairs := parseTones(st.Tones)
	flat := make([]int32, 0, len(pairs)*2)
	for _, p := range pairs {
		flat = append(flat, p[0], p[1])
	}
	wire, err := protocol.Encode("B", flat)
	if err != nil {
		return err
	}

	resp, err := r.driver.Dispatch(ctx, wire, engine.ClassToneList, true, "")
	switch {
	case err == nil:
		r.logResponse(wire, resp)
	case engine.IsCancelled(err):
		return err
	default:
		r.logger.Warn("tone list frame failed, sending notes one by one", zap.Error(err))
		for _, p := range pairs {
			note, err := protocol.Encode("b", []int32{p[0], p[1]})
			if err != nil {
				return err
			}
			if _, err := r.driver.Dispatch(ctx, note, engine.ClassQuery, true, ""); err != nil {
				return err
			}
		}
	}
	return r.wait(ctx, st.Delay, roundMillis)
}

// parseTones reads "tone,beat,tone,beat". A missing final beat is 4;
// unparsable tones are 0 and unparsable beats 4.
func parseTones(list string) [][2]int32 {
	items := strings.Split(list, ",")
	for i := range items {
		items[i] = strings.TrimSpace(items[i])
	}
	if len(items)%2 != 0 {
		items = append(items, strconv.Itoa(defaultToneBeat))
	}
	pairs := make([][2]int32, 0, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		tone := leadingInt(items[i])
		beat := leadingInt(items[i+1])
		if beat == 0 {
			beat = defaultToneBeat
		}
		pairs = append(pairs, [2]int32{int32(tone), int32(beat)})
	}
	return pairs
}

func (r *Runner) move(ctx context.Context, st *Step) error {
	if err := engine.CheckCancel(ctx); err != nil {
		return err
	}
	deltas := make([]motion.Delta, 0, len(st.Joints))
	for _, jd := range st.Joints {
		v, err := r.eval(ctx, jd.Angle)
		if err != nil {
			return err
		}
		angle, err := toParam(v)
		if err != nil {
			return fmt.Errorf("joint %d: %w", jd.Joint, err)
		}
		if jd.Sign == 0 {
			deltas = append(deltas, motion.Absolute(jd.Joint, int(angle)))
		} else {
			deltas = append(deltas, motion.Relative(jd.Joint, jd.Sign, int(angle)))
		}
	}
	wire, err := r.resolver.EncodeMove(ctx, st.Mode.Token(), deltas)
	if err != nil {
		return err
	}
	return r.dispatchThenWait(ctx, st, wire, engine.ClassMove, "", ceilMillis)
}

func (r *Runner) rawJoints(ctx context.Context, st *Step) error {
	v, err := r.eval(ctx, st.List)
	if err != nil {
		return err
	}
	params, err := flattenParams(v)
	if err != nil {
		return err
	}
	if len(params) == 0 {
		r.logger.Warn("raw joint frame is empty, skipped")
		return nil
	}
	wire, err := protocol.Encode("L", params)
	if err != nil {
		return err
	}
	return r.dispatchThenWait(ctx, st, wire, engine.ClassRawFrame, "", ceilMillis)
}

func (r *Runner) skillFile(ctx context.Context, st *Step) error {
	skill, ok := r.skills.Lookup(st.Skill)
	if !ok {
		r.logger.Warn("skill file not found", zap.String("skill", st.Skill))
		return nil
	}
	wire, err := skill.Wire()
	if err != nil {
		return err
	}
	return r.dispatchThenWait(ctx, st, wire, engine.ClassLong, "", truncMillis)
}

func (r *Runner) custom(ctx context.Context, st *Step) error {
	command := st.Command
	if st.Value != nil {
		v, err := r.eval(ctx, st.Value)
		if err != nil {
			return err
		}
		command = formatValue(v)
	}
	wire, err := protocol.ParseWire(command)
	if err != nil {
		return err
	}
	return r.dispatchThenWait(ctx, st, wire, engine.ClassLong, "", roundMillis)
}

func (r *Runner) pinWrite(ctx context.Context, token string, st *Step, fallback int32) error {
	value := fallback
	if st.Value != nil {
		v, err := r.eval(ctx, st.Value)
		if err != nil {
			return err
		}
		if value, err = toParam(v); err != nil {
			return fmt.Errorf("%s pin %d: %w", token, st.Pin, err)
		}
	}
	wire, err := protocol.Encode(token, []int32{int32(st.Pin), value})
	if err != nil {
		return err
	}
	return r.dispatchThenWait(ctx, st, wire, engine.ClassQuery, "", roundMillis)
}

func (r *Runner) repeat(ctx context.Context, st *Step) error {
	v, err := r.eval(ctx, st.Times)
	if err != nil {
		return err
	}
	n, ok := toNumber(v)
	if !ok {
		return fmt.Errorf("%w: repeat %s", ErrNotNumber, formatValue(v))
	}
	for i := 0; float64(i) < n; i++ {
		if err := engine.CheckCancel(ctx); err != nil {
			return err
		}
		if err := r.execBlock(ctx, st.Do); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) while(ctx context.Context, st *Step) error {
	for {
		cond, err := r.eval(ctx, st.Cond)
		if err != nil {
			return err
		}
		if truthy(cond) == st.Until {
			return nil
		}
		if err := engine.CheckCancel(ctx); err != nil {
			return err
		}
		if err := r.execBlock(ctx, st.Do); err != nil {
			return err
		}
	}
}

func (r *Runner) forRange(ctx context.Context, st *Step) error {
	bounds := make([]float64, 3)
	for i, e := range []*Expr{st.From, st.To, st.By} {
		if e == nil {
			bounds[i] = 1
			continue
		}
		v, err := r.eval(ctx, e)
		if err != nil {
			return err
		}
		n, ok := toNumber(v)
		if !ok {
			return fmt.Errorf("%w: for bound %s", ErrNotNumber, formatValue(v))
		}
		bounds[i] = n
	}
	from, to, by := bounds[0], bounds[1], bounds[2]
	if by <= 0 {
		return fmt.Errorf("%w: for step must be positive, got %v", ErrInvalidStep, by)
	}
	for i := from; i <= to; i += by {
		r.vars[st.Var] = i
		if err := engine.CheckCancel(ctx); err != nil {
			return err
		}
		if err := r.execBlock(ctx, st.Do); err != nil {
			return err
		}
		// The body may reassign the loop variable.
		if n, ok := toNumber(r.vars[st.Var]); ok {
			i = n
		}
	}
	return nil
}

func (r *Runner) forEach(ctx context.Context, st *Step) error {
	v, err := r.eval(ctx, st.List)
	if err != nil {
		return err
	}
	items, ok := v.([]Value)
	if !ok {
		return fmt.Errorf("%w: for_each over %s", ErrInvalidExpr, formatValue(v))
	}
	for _, item := range items {
		r.vars[st.Var] = item
		if err := engine.CheckCancel(ctx); err != nil {
			return err
		}
		if err := r.execBlock(ctx, st.Do); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) println(v Value) {
	fmt.Fprintln(r.out, formatValue(v))
}

func (r *Runner) logResponse(wire protocol.Wire, resp string) {
	if resp = strings.TrimSpace(resp); resp != "" {
		r.logger.Debug("response", zap.String("command", wire.String()), zap.String("response", resp))
	}
}

func skillClass(class string) engine.Class {
	switch class {
	case SkillPosture:
		return engine.ClassPosture
	case SkillAcrobatic:
		return engine.ClassAcrobatic
	case SkillArm:
		return engine.ClassLong
	default:
		return engine.ClassGait
	}
}

func displayCommand(token string, params []int32) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, token)
	for _, p := range params {
		parts = append(parts, strconv.Itoa(int(p)))
	}
	return strings.Join(parts, " ")
}

func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
