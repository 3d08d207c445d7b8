package voicesession

import (
	"sync"
	"time"
)

type ActionType string

const (
	ActionStopPlayback ActionType = "stop_playback"
)

type Action struct {
	Type   ActionType
	Reason string
}

type SpeechState string

const (
	StateIdle        SpeechState = "idle"
	StateListening   SpeechState = "listening"
	StateSpeaking    SpeechState = "speaking"
	StateInterrupted SpeechState = "interrupted"
)

type BargeInPolicy struct {
	AllowWhileSpeaking bool
	// Cooldown ignores repeated speech starts right after an interruption.
	Cooldown time.Duration
}

// SpeechController tracks who is talking so the session knows when a user
// speech start should cut assistant playback short.
type SpeechController struct {
	mu            sync.Mutex
	state         SpeechState
	policy        BargeInPolicy
	playing       bool
	lastSpeech    time.Time
	lastInterrupt time.Time
}

func NewSpeechController(policy BargeInPolicy) *SpeechController {
	if policy.Cooldown == 0 {
		policy.Cooldown = 250 * time.Millisecond
	}
	return &SpeechController{
		state:  StateIdle,
		policy: policy,
	}
}

func (c *SpeechController) OnPlaybackStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playing = true
	if c.state != StateInterrupted {
		c.state = StateSpeaking
	}
}

func (c *SpeechController) OnPlaybackEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playing = false
	if c.state == StateSpeaking || c.state == StateInterrupted {
		c.state = StateIdle
	}
}

func (c *SpeechController) OnUserSpeechStart(now time.Time) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSpeech = now
	switch c.state {
	case StateSpeaking:
		if !c.policy.AllowWhileSpeaking {
			return nil
		}
		if !c.lastInterrupt.IsZero() && now.Sub(c.lastInterrupt) < c.policy.Cooldown {
			return nil
		}
		c.state = StateInterrupted
		c.lastInterrupt = now
		return []Action{{Type: ActionStopPlayback, Reason: "barge_in"}}
	case StateIdle:
		c.state = StateListening
	}
	return nil
}

// OnResponseStart marks the end of the user's turn.
func (c *SpeechController) OnResponseStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateListening {
		c.state = StateIdle
	}
}

func (c *SpeechController) State() SpeechState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
