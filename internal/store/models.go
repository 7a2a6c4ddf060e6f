// Package store contains the persistence layer for deployed prediction services.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a service record does not exist.
	ErrNotFound = errors.New("service record not found")
	// ErrActiveServiceExists is returned when registering a record for a key that
	// still has a non-stopped record. Superseding must stop the old record first.
	ErrActiveServiceExists = errors.New("an active service already exists for this key")
	// ErrRunningConflict is returned when a second record for a key would become RUNNING.
	ErrRunningConflict = errors.New("another service for this key is already running")
	// ErrServiceRunning is returned when removing a record that is still RUNNING.
	ErrServiceRunning = errors.New("service is running")
	// ErrInvalidTransition is returned for state changes the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid service state transition")
	// ErrStateChanged is returned by a conditional state update when the record
	// is no longer in the expected state.
	ErrStateChanged = errors.New("service state changed concurrently")
)

// ServiceState represents the lifecycle state of a deployed service.
type ServiceState string

const (
	ServiceStateStopped  ServiceState = "STOPPED"
	ServiceStateStarting ServiceState = "STARTING"
	ServiceStateRunning  ServiceState = "RUNNING"
	ServiceStateError    ServiceState = "ERROR"
)

var stateTransitions = map[ServiceState][]ServiceState{
	ServiceStateStopped:  {ServiceStateStarting},
	ServiceStateStarting: {ServiceStateRunning, ServiceStateError, ServiceStateStopped},
	ServiceStateRunning:  {ServiceStateStopped},
	ServiceStateError:    {ServiceStateStarting, ServiceStateStopped},
}

// Valid reports whether s is a known state.
func (s ServiceState) Valid() bool {
	_, ok := stateTransitions[s]
	return ok
}

// CanTransition returns true when a transition is allowed.
func CanTransition(from, to ServiceState) bool {
	for _, candidate := range stateTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ValidateTransition ensures a state transition is valid. Same-state updates
// are allowed except for STARTING, which only a single claimant may enter.
func ValidateTransition(from, to ServiceState) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown state %q -> %q", ErrInvalidTransition, from, to)
	}
	if from == to && to != ServiceStateStarting {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// PipelineRunIdentity identifies the orchestration run that produced a service.
type PipelineRunIdentity struct {
	PipelineName string
	StepName     string
}

// ServiceKey is the registry lookup key.
type ServiceKey struct {
	PipelineName string
	StepName     string
	ModelName    string
}

func (k ServiceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.PipelineName, k.StepName, k.ModelName)
}

// Endpoint locates a started prediction server.
type Endpoint struct {
	// Base URL of the prediction server, e.g. http://127.0.0.1:39411
	URL string
	// Runtime that launched the server (exec, docker, kubernetes).
	Runtime string
	// Runtime specific reference: process id, container id or workload name.
	Ref string
}

// ServiceRecord is a deployed model service.
type ServiceRecord struct {
	ID           uuid.UUID
	Identity     PipelineRunIdentity
	ModelName    string
	State        ServiceState
	Endpoint     Endpoint
	ModelURI     string
	ModelHash    string
	Workers      int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key returns the registry key of the record.
func (r ServiceRecord) Key() ServiceKey {
	return ServiceKey{
		PipelineName: r.Identity.PipelineName,
		StepName:     r.Identity.StepName,
		ModelName:    r.ModelName,
	}
}

// Active reports whether the record holds (or is acquiring) a live instance.
func (r ServiceRecord) Active() bool {
	return r.State != ServiceStateStopped
}

// RunningFilter selects records by running state.
type RunningFilter int

const (
	// RunningAny keeps every record.
	RunningAny RunningFilter = iota
	// RunningOnly keeps records in RUNNING state.
	RunningOnly
	// NotRunningOnly keeps records in any state except RUNNING.
	NotRunningOnly
)

func (f RunningFilter) String() string {
	switch f {
	case RunningOnly:
		return "running"
	case NotRunningOnly:
		return "not-running"
	default:
		return "any"
	}
}

// Matches reports whether a record in the given state passes the filter.
func (f RunningFilter) Matches(state ServiceState) bool {
	switch f {
	case RunningOnly:
		return state == ServiceStateRunning
	case NotRunningOnly:
		return state != ServiceStateRunning
	default:
		return true
	}
}

// ParseRunningFilter parses the CLI/config representation of a filter.
func ParseRunningFilter(s string) (RunningFilter, error) {
	switch s {
	case "", "any":
		return RunningAny, nil
	case "running":
		return RunningOnly, nil
	case "not-running":
		return NotRunningOnly, nil
	default:
		return RunningAny, fmt.Errorf("invalid running filter %q: must be any, running or not-running", s)
	}
}

// Query selects service records by key and running state.
type Query struct {
	ServiceKey
	Running RunningFilter
}
