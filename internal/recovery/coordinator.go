// Package recovery is the single funnel for failures raised anywhere in the
// voice pipeline. It classifies each failure, tracks recurrence, and runs a
// bounded recovery action; an unhandled failure never silently kills the
// session.
package recovery

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonvoice/voicepipe/internal/clock"
	"github.com/halcyonvoice/voicepipe/internal/observability"
)

// Action names a concrete recovery step.
type Action string

const (
	ActionAdaptiveCooldown Action = "adaptive_cooldown"
	ActionRetryWithDelay   Action = "retry_with_delay"
	ActionTextFallback     Action = "text_fallback"
	ActionReacquireAudio   Action = "reacquire_audio"
	ActionDisableVoice     Action = "disable_voice"
	ActionRecalibrate      Action = "recalibrate_vad"
	ActionManualMode       Action = "manual_interrupt_mode"
	ActionResetState       Action = "reset_conversation_state"
	ActionResetAnimation   Action = "reset_animation"
	ActionDisableAnimation Action = "disable_animation"
	ActionNotifyUser       Action = "notify_user"
)

// Strategy is the static recovery configuration for one error type. When the
// type recurs, Fallback replaces Primary.
type Strategy struct {
	Name       string
	Primary    Action
	Fallback   Action
	Cooldown   time.Duration
	MaxRetries int
}

func defaultStrategies() map[ErrorType]Strategy {
	return map[ErrorType]Strategy{
		TypeRapidInterruption: {Name: "interruption_throttle", Primary: ActionAdaptiveCooldown, Fallback: ActionManualMode, Cooldown: 2 * time.Second},
		TypeNetwork:           {Name: "synthesis_retry", Primary: ActionRetryWithDelay, Fallback: ActionTextFallback, Cooldown: time.Second, MaxRetries: 3},
		TypeAudioDevice:       {Name: "audio_restart", Primary: ActionReacquireAudio, Fallback: ActionDisableVoice, MaxRetries: 2},
		TypeDetection:         {Name: "vad_recalibration", Primary: ActionRecalibrate, Fallback: ActionManualMode},
		TypeStateCorruption:   {Name: "state_reset", Primary: ActionResetState, Fallback: ActionResetState},
		TypeSync:              {Name: "animation_reset", Primary: ActionResetAnimation, Fallback: ActionDisableAnimation},
		TypeUnknown:           {Name: "log_and_continue", Primary: ActionNotifyUser, Fallback: ActionNotifyUser},
	}
}

// Hooks are the component entry points recovery actions call into. Any nil
// hook turns its action into a logged no-op.
type Hooks struct {
	AdaptCooldown    func(d time.Duration)
	RetryLastSpeech  func() error
	TextFallback     func(text string)
	ReacquireAudio   func() error
	DisableVoice     func()
	RecalibrateVAD   func()
	ManualMode       func()
	ResetState       func(preserveHistory bool)
	ResetAnimation   func()
	DisableAnimation func()
	SetError         func(message string)
}

// Outcome reports what the coordinator did with a failure.
type Outcome struct {
	Type      ErrorType
	Strategy  string
	Action    Action
	Escalated bool
}

// Recurrence thresholds: the same error type seen recurrenceCount times
// inside recurrenceWindow escalates straight to the fallback action.
const (
	recurrenceCount  = 3
	recurrenceWindow = 5 * time.Minute
)

// Coordinator classifies failures and dispatches recovery actions.
type Coordinator struct {
	clk             clock.Clock
	logger          zerolog.Logger
	hooks           Hooks
	strategies      map[ErrorType]Strategy
	preserveHistory bool
	userMessage     string

	mu            sync.Mutex
	occurrences   map[ErrorType][]time.Time
	interruptions []time.Time
}

// NewCoordinator creates a recovery coordinator with the default strategy
// table.
func NewCoordinator(clk clock.Clock, hooks Hooks, preserveHistory bool, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		clk:             clk,
		logger:          logger,
		hooks:           hooks,
		strategies:      defaultStrategies(),
		preserveHistory: preserveHistory,
		userMessage:     "I'm having technical difficulties. Please try again in a moment.",
		occurrences:     make(map[ErrorType][]time.Time),
	}
}

// NoteInterruption records a confirmed interruption so bursts can be
// recognized during classification.
func (c *Coordinator) NoteInterruption() {
	now := c.clk.Now()
	c.mu.Lock()
	c.interruptions = append(c.interruptions, now)
	c.interruptions = trim(c.interruptions, now.Add(-burstWindow))
	c.mu.Unlock()
}

func trim(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// Handle classifies err, decides whether it is recurring, runs the chosen
// action, and reports the outcome. It never panics; a failure inside recovery
// itself falls through to the ultimate fallback.
func (c *Coordinator) Handle(err error, component string) Outcome {
	now := c.clk.Now()

	c.mu.Lock()
	c.interruptions = trim(c.interruptions, now.Add(-burstWindow))
	burst := len(c.interruptions)
	c.mu.Unlock()

	errType := classify(err, burst)

	c.mu.Lock()
	occ := append(trim(c.occurrences[errType], now.Add(-recurrenceWindow)), now)
	c.occurrences[errType] = occ
	recurring := len(occ) >= recurrenceCount
	c.mu.Unlock()

	observability.RecordError(string(errType), component)

	strategy := c.strategies[errType]
	action := strategy.Primary
	if recurring {
		action = strategy.Fallback
		observability.RecordEscalation(string(errType))
	}

	c.logger.Warn().
		Err(err).
		Str("component", component).
		Str("error_type", string(errType)).
		Str("strategy", strategy.Name).
		Str("action", string(action)).
		Bool("escalated", recurring).
		Msg("recovering from failure")

	c.execute(action, strategy)

	return Outcome{
		Type:      errType,
		Strategy:  strategy.Name,
		Action:    action,
		Escalated: recurring,
	}
}

// execute runs one recovery action. Panics inside hooks are caught and routed
// to the ultimate fallback, which itself swallows everything.
func (c *Coordinator) execute(action Action, strategy Strategy) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("action", string(action)).Msg("recovery action panicked")
			c.ultimateFallback()
		}
	}()

	switch action {
	case ActionAdaptiveCooldown:
		if c.hooks.AdaptCooldown != nil {
			c.hooks.AdaptCooldown(strategy.Cooldown)
		}
	case ActionRetryWithDelay:
		if c.hooks.RetryLastSpeech == nil {
			return
		}
		var err error
		for i := 0; i < strategy.MaxRetries; i++ {
			<-c.clk.After(strategy.Cooldown)
			if err = c.hooks.RetryLastSpeech(); err == nil {
				return
			}
		}
		c.logger.Warn().Err(err).Msg("speech retry exhausted, falling back to text")
		c.execute(strategy.Fallback, strategy)
	case ActionTextFallback:
		if c.hooks.TextFallback != nil {
			c.hooks.TextFallback(c.userMessage)
		}
	case ActionReacquireAudio:
		if c.hooks.ReacquireAudio == nil {
			return
		}
		var err error
		for i := 0; i <= strategy.MaxRetries; i++ {
			if err = c.hooks.ReacquireAudio(); err == nil {
				return
			}
		}
		c.logger.Warn().Err(err).Msg("audio re-acquisition failed, disabling voice")
		c.execute(ActionDisableVoice, strategy)
	case ActionDisableVoice:
		if c.hooks.DisableVoice != nil {
			c.hooks.DisableVoice()
		}
		c.notify()
	case ActionRecalibrate:
		if c.hooks.RecalibrateVAD != nil {
			c.hooks.RecalibrateVAD()
		}
	case ActionManualMode:
		if c.hooks.ManualMode != nil {
			c.hooks.ManualMode()
		}
	case ActionResetState:
		if c.hooks.ResetState != nil {
			c.hooks.ResetState(c.preserveHistory)
		}
	case ActionResetAnimation:
		if c.hooks.ResetAnimation != nil {
			c.hooks.ResetAnimation()
		}
	case ActionDisableAnimation:
		if c.hooks.DisableAnimation != nil {
			c.hooks.DisableAnimation()
		}
	case ActionNotifyUser:
		c.notify()
	}
}

func (c *Coordinator) notify() {
	if c.hooks.SetError != nil {
		c.hooks.SetError(c.userMessage)
	}
}

// ultimateFallback surfaces one generic message and logs. Nothing in here is
// allowed to fail outward.
func (c *Coordinator) ultimateFallback() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("ultimate fallback panicked")
		}
	}()
	c.notify()
}
