// Package replay drives a turn dispatcher from a YAML script, for tuning
// thresholds and timers offline.
package replay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"speech-turn-service/internal/service/turn"
)

// StepType names one scripted recognition event.
type StepType string

const (
	StepPartial StepType = "partial"
	StepFinal   StepType = "final"
	StepSegment StepType = "segment"
	StepEnd     StepType = "end"
	StepAgent   StepType = "agent"
	StepWait    StepType = "wait"
	StepReset   StepType = "reset"
)

var (
	ErrNoSteps         = errors.New("script has no steps")
	ErrUnknownStep     = errors.New("unknown step type")
	ErrInvalidDuration = errors.New("wait step needs a positive duration")
)

// Script is a replayable conversation.
//
//	conversation: demo
//	threshold: 0.7
//	gracePeriod: 25ms
//	maxHold: 200ms
//	probabilities: [0.42, 0.81]
//	steps:
//	  - {type: segment, text: "Bonjour", start: 0, end: 0.6, final: true}
//	  - {type: end}
//	  - {type: wait, duration: 300ms}
type Script struct {
	Conversation string              `yaml:"conversation"`
	Threshold    *float64            `yaml:"threshold"`
	GracePeriod  time.Duration       `yaml:"gracePeriod"`
	MaxHold      time.Duration       `yaml:"maxHold"`
	MaxContext   int                 `yaml:"maxContext"`
	Context      []turn.ContextEntry `yaml:"context"`
	// Probabilities scripts the classifier. The punctuation heuristic is
	// used when empty.
	Probabilities []float64 `yaml:"probabilities"`
	Steps         []Step    `yaml:"steps"`
}

type Step struct {
	Type     StepType      `yaml:"type"`
	Text     string        `yaml:"text"`
	Start    float64       `yaml:"start"`
	End      float64       `yaml:"end"`
	Final    bool          `yaml:"final"`
	Speaker  string        `yaml:"speaker"`
	Duration time.Duration `yaml:"duration"`
}

// Load reads a script file.
func Load(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a script.
func Parse(r io.Reader) (*Script, error) {
	var s Script
	if err := yaml.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Script) Validate() error {
	if len(s.Steps) == 0 {
		return ErrNoSteps
	}
	for i, st := range s.Steps {
		switch st.Type {
		case StepPartial, StepFinal, StepSegment, StepEnd, StepAgent, StepReset:
		case StepWait:
			if st.Duration <= 0 {
				return fmt.Errorf("step %d: %w", i, ErrInvalidDuration)
			}
		default:
			return fmt.Errorf("step %d: %w %q", i, ErrUnknownStep, st.Type)
		}
	}
	return s.TurnConfig().Validate()
}

// TurnConfig overlays the script's settings on the dispatcher defaults.
func (s *Script) TurnConfig() turn.Config {
	cfg := turn.DefaultConfig()
	if s.Threshold != nil {
		cfg.Threshold = *s.Threshold
	}
	if s.GracePeriod > 0 {
		cfg.GracePeriod = s.GracePeriod
	}
	if s.MaxHold > 0 {
		cfg.MaxHold = s.MaxHold
	}
	if s.MaxContext > 0 {
		cfg.MaxContextMessages = s.MaxContext
	}
	cfg.SeedContext = s.Context
	cfg.Active = true
	return cfg
}
