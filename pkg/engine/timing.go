package engine

import "time"

// Class groups commands by how long the device may take to answer them.
type Class string

const (
	ClassQuery      Class = "query"
	ClassPosture    Class = "posture"
	ClassGait       Class = "gait"
	ClassMove       Class = "move"
	ClassToneList   Class = "tone_list"
	ClassJointQuery Class = "joint_query"
	ClassAcrobatic  Class = "acrobatic"
	ClassLong       Class = "long"
	ClassRawFrame   Class = "raw_frame"
)

// Timings holds per-class timeouts and the polling parameters of the driver.
type Timings struct {
	Timeouts map[Class]time.Duration

	// DelaySlice bounds how long a delay runs between cancellation checks.
	DelaySlice time.Duration

	// FramePoll is the interval between new-frame checks; NewFrameWait and
	// AnyFrameWait bound the two camera waits.
	FramePoll     time.Duration
	AnyFramePoll  time.Duration
	NewFrameWait  time.Duration
	AnyFrameWait  time.Duration
	StreamTail    int
	DefaultClass  Class
	MinCommandGap time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		Timeouts: map[Class]time.Duration{
			ClassQuery:      5 * time.Second,
			ClassPosture:    10 * time.Second,
			ClassGait:       20 * time.Second,
			ClassMove:       20 * time.Second,
			ClassToneList:   15 * time.Second,
			ClassJointQuery: 10 * time.Second,
			ClassAcrobatic:  30 * time.Second,
			ClassLong:       30 * time.Second,
			ClassRawFrame:   30 * time.Second,
		},
		DelaySlice:   100 * time.Millisecond,
		FramePoll:    20 * time.Millisecond,
		AnyFramePoll: 50 * time.Millisecond,
		NewFrameWait: 350 * time.Millisecond,
		AnyFrameWait: 600 * time.Millisecond,
		StreamTail:   2000,
		DefaultClass: ClassQuery,
	}
}

// Timeout returns the timeout for class, falling back to the default class.
func (t Timings) Timeout(class Class) time.Duration {
	if d, ok := t.Timeouts[class]; ok && d > 0 {
		return d
	}
	if d, ok := t.Timeouts[t.DefaultClass]; ok && d > 0 {
		return d
	}
	return 5 * time.Second
}

func (t Timings) normalize() Timings {
	def := DefaultTimings()
	out := t
	out.Timeouts = make(map[Class]time.Duration, len(def.Timeouts))
	for class, d := range def.Timeouts {
		out.Timeouts[class] = d
	}
	for class, d := range t.Timeouts {
		if d > 0 {
			out.Timeouts[class] = d
		}
	}
	if out.DelaySlice <= 0 {
		out.DelaySlice = def.DelaySlice
	}
	if out.FramePoll <= 0 {
		out.FramePoll = def.FramePoll
	}
	if out.AnyFramePoll <= 0 {
		out.AnyFramePoll = def.AnyFramePoll
	}
	if out.NewFrameWait <= 0 {
		out.NewFrameWait = def.NewFrameWait
	}
	if out.AnyFrameWait <= 0 {
		out.AnyFrameWait = def.AnyFrameWait
	}
	if out.StreamTail <= 0 {
		out.StreamTail = def.StreamTail
	}
	if out.DefaultClass == "" {
		out.DefaultClass = def.DefaultClass
	}
	return out
}
