package task

import "math/rand"

// Outcome is what one ChaosMonkey checkpoint decides should happen.
type Outcome int

const (
	// OutcomeNone: proceed normally.
	OutcomeNone Outcome = iota
	// OutcomeSilentFailure: the checkpoint's caller should behave as if
	// the operation failed (set WRITE_FAILED, return a failure result)
	// without raising.
	OutcomeSilentFailure
	// OutcomeException: the checkpoint's caller sets WRITE_FAILED and
	// returns a failure result carrying an error, the same requeue path
	// a failed sink put takes.
	OutcomeException
)

// ChaosMonkey is the pluggable fault injector from spec §4.4: four
// checkpoints around one flush job, each independently deciding to let
// the job proceed, fail it silently, or make it raise.
type ChaosMonkey interface {
	AfterSubmission() Outcome
	DuringInProgress() Outcome
	BeforeFlush() Outcome
	DuringFlush() Outcome
}

// NoChaos never injects a fault; it is the default.
type NoChaos struct{}

func (NoChaos) AfterSubmission() Outcome  { return OutcomeNone }
func (NoChaos) DuringInProgress() Outcome { return OutcomeNone }
func (NoChaos) BeforeFlush() Outcome      { return OutcomeNone }
func (NoChaos) DuringFlush() Outcome      { return OutcomeNone }

// RandomChaos triggers each checkpoint independently with Probability
// (the reference uses 1%, per spec), split evenly between the two
// failure flavours.
type RandomChaos struct {
	Probability float64
	rand        *rand.Rand
}

func NewRandomChaos(probability float64, seed int64) *RandomChaos {
	return &RandomChaos{Probability: probability, rand: rand.New(rand.NewSource(seed))}
}

func (c *RandomChaos) roll() Outcome {
	if c.rand.Float64() >= c.Probability {
		return OutcomeNone
	}
	if c.rand.Float64() < 0.5 {
		return OutcomeSilentFailure
	}
	return OutcomeException
}

func (c *RandomChaos) AfterSubmission() Outcome  { return c.roll() }
func (c *RandomChaos) DuringInProgress() Outcome { return c.roll() }
func (c *RandomChaos) BeforeFlush() Outcome      { return c.roll() }
func (c *RandomChaos) DuringFlush() Outcome      { return c.roll() }

// ScriptedChaos lets tests force a specific outcome from a specific
// checkpoint on a specific call, deterministically (spec §4.4: "these
// must be injectable in tests").
type ScriptedChaos struct {
	AfterSubmissionFn  func() Outcome
	DuringInProgressFn func() Outcome
	BeforeFlushFn      func() Outcome
	DuringFlushFn      func() Outcome
}

func (c *ScriptedChaos) AfterSubmission() Outcome {
	if c.AfterSubmissionFn == nil {
		return OutcomeNone
	}
	return c.AfterSubmissionFn()
}

func (c *ScriptedChaos) DuringInProgress() Outcome {
	if c.DuringInProgressFn == nil {
		return OutcomeNone
	}
	return c.DuringInProgressFn()
}

func (c *ScriptedChaos) BeforeFlush() Outcome {
	if c.BeforeFlushFn == nil {
		return OutcomeNone
	}
	return c.BeforeFlushFn()
}

func (c *ScriptedChaos) DuringFlush() Outcome {
	if c.DuringFlushFn == nil {
		return OutcomeNone
	}
	return c.DuringFlushFn()
}
