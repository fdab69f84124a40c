package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageTaskStart    Stage = "TASK_START"
	StageTaskDone     Stage = "TASK_DONE"
	StageTaskError    Stage = "TASK_ERROR"
	StageNavDone      Stage = "NAV_DONE"
	StageCaptureMatch Stage = "CAPTURE_MATCH"
	StageCircuitTrip  Stage = "CIRCUIT_TRIP"
	StageRecycle      Stage = "RECYCLE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for navigation completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of capture activity.
type Event struct {
	// TaskID identifies the task in 16-byte UUID form; zero for
	// profile-scoped stages such as CIRCUIT_TRIP and RECYCLE.
	TaskID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or capture milestone occurred.
	Stage Stage
	// Profile names the browser profile the event belongs to.
	Profile string
	// Kind is the task kind label (pdp, search) for task stages.
	Kind string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// StatusClass groups the navigation response code (2xx, 4xx, etc).
	StatusClass StatusClass
	// Matched counts endpoint responses captured during the dwell window.
	Matched int64
	// Reason carries the block reason for CIRCUIT_TRIP and the failure
	// reason for TASK_ERROR.
	Reason string
	// Dur captures execution latency for navigations and task completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Profile == "" {
		return errors.New("profile is required")
	}
	switch e.Stage {
	case StageTaskStart, StageTaskDone:
		if e.TaskID == [16]byte{} {
			return errors.New("task stage requires task id")
		}
	case StageTaskError:
		if e.TaskID == [16]byte{} {
			return errors.New("task stage requires task id")
		}
		if e.Reason == "" {
			return errors.New("task error requires reason")
		}
	case StageNavDone:
		if e.StatusClass == "" {
			return errors.New("nav done requires status class")
		}
	case StageCaptureMatch:
	case StageCircuitTrip:
		if e.Reason == "" {
			return errors.New("circuit trip requires reason")
		}
	case StageRecycle:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// TaskUUID converts the binary task ID to uuid.UUID.
func (e Event) TaskUUID() uuid.UUID {
	return uuid.UUID(e.TaskID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for navigation events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
