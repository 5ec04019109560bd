// Package session tracks when recording and inference may run.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is the recording session state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ModelState is the lifecycle of the loaded recognition model.
type ModelState int

const (
	ModelUnloaded ModelState = iota
	ModelDownloading
	ModelLoading
	ModelLoaded
	ModelError
)

func (s ModelState) String() string {
	switch s {
	case ModelUnloaded:
		return "unloaded"
	case ModelDownloading:
		return "downloading"
	case ModelLoading:
		return "loading"
	case ModelLoaded:
		return "loaded"
	case ModelError:
		return "error"
	}
	return fmt.Sprintf("model_state(%d)", int(s))
}

// Busy reports whether the model blocks concurrent loads and transcriptions.
func (s ModelState) Busy() bool {
	return s == ModelDownloading || s == ModelLoading
}

var (
	// ErrModelNotLoaded is returned when recording is requested without a loaded model.
	ErrModelNotLoaded = errors.New("session: model not loaded")
	// ErrModelBusy is returned while a model is downloading or loading.
	ErrModelBusy = errors.New("session: model busy")
)

// InvalidTransitionError reports a rejected state change.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From + " to " + e.To
}

var sessionTransitions = map[State][]State{
	StateIdle:      {StateStarting},
	StateStarting:  {StateRecording, StateIdle},
	StateRecording: {StateStopping},
	StateStopping:  {StateIdle},
}

var modelTransitions = map[ModelState][]ModelState{
	ModelUnloaded:    {ModelDownloading, ModelLoading},
	ModelDownloading: {ModelLoading, ModelError},
	ModelLoading:     {ModelLoaded, ModelError},
	ModelLoaded:      {ModelDownloading, ModelLoading, ModelUnloaded},
	ModelError:       {ModelDownloading, ModelLoading, ModelUnloaded},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tracker holds the session and model states together so guards can
// consider both atomically.
type Tracker struct {
	mu      sync.RWMutex
	session State
	model   ModelState
}

// NewTracker returns a tracker in Idle/Unloaded.
func NewTracker() *Tracker {
	return &Tracker{}
}

// State returns the current session state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session
}

// Model returns the current model state.
func (t *Tracker) Model() ModelState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.model
}

// Transition moves the session to the given state.
func (t *Tracker) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

func (t *Tracker) transitionLocked(to State) error {
	if !allowed(sessionTransitions, t.session, to) {
		return &InvalidTransitionError{From: t.session.String(), To: to.String()}
	}
	t.session = to
	return nil
}

// BeginRecording moves Idle to Starting. Recording may only start with a
// loaded model.
func (t *Tracker) BeginRecording() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.model != ModelLoaded {
		return ErrModelNotLoaded
	}
	return t.transitionLocked(StateStarting)
}

// TransitionModel moves the model to the given state.
func (t *Tracker) TransitionModel(to ModelState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionModelLocked(to)
}

func (t *Tracker) transitionModelLocked(to ModelState) error {
	if !allowed(modelTransitions, t.model, to) {
		return &InvalidTransitionError{From: t.model.String(), To: to.String()}
	}
	t.model = to
	return nil
}

// BeginLoad moves the model to Loading. Loads are rejected while another
// download or load is in progress and while a session is active.
func (t *Tracker) BeginLoad() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.model == ModelLoading {
		return ErrModelBusy
	}
	if t.session != StateIdle {
		return &InvalidTransitionError{From: t.session.String(), To: "model " + ModelLoading.String()}
	}
	return t.transitionModelLocked(ModelLoading)
}

// BeginDownload moves the model to Downloading.
func (t *Tracker) BeginDownload() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.model.Busy() {
		return ErrModelBusy
	}
	if t.session != StateIdle {
		return &InvalidTransitionError{From: t.session.String(), To: "model " + ModelDownloading.String()}
	}
	return t.transitionModelLocked(ModelDownloading)
}
