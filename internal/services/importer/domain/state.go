package domain

import (
	"fmt"
	"slices"
)

// ReportState is the lifecycle position of one report request
type ReportState uint8

const (
	StateCreated ReportState = iota
	StateQueued
	StatePolling
	StateReady
	StateDownloading
	StateDownloaded
	StateStaged
	StateSkipEntity
	StateRetryPageSize
	StateDownloadFailed
	StateStatusCheckFailed
)

var stateNames = [...]string{
	StateCreated:           "created",
	StateQueued:            "queued",
	StatePolling:           "polling",
	StateReady:             "ready",
	StateDownloading:       "downloading",
	StateDownloaded:        "downloaded",
	StateStaged:            "staged",
	StateSkipEntity:        "skip_entity",
	StateRetryPageSize:     "retry_page_size",
	StateDownloadFailed:    "download_failed",
	StateStatusCheckFailed: "status_check_failed",
}

// String returns the snake case name
func (s ReportState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// MarshalText encodes the state by name so snapshots survive reordering
func (s ReportState) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("unknown report state %d", s)
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText decodes a state name
func (s *ReportState) UnmarshalText(b []byte) error {
	name := string(b)
	for i, n := range stateNames {
		if n == name {
			*s = ReportState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown report state %q", name)
}

// transitions lists the legal next states. SkipEntity is reachable from every
// non terminal state and is added in CanTransition
var transitions = map[ReportState][]ReportState{
	StateCreated:           {StateQueued, StateReady},
	StateQueued:            {StatePolling, StateReady, StateStatusCheckFailed, StateRetryPageSize},
	StatePolling:           {StatePolling, StateReady, StateStatusCheckFailed, StateRetryPageSize},
	StateReady:             {StateDownloading, StateDownloaded, StateRetryPageSize, StateDownloadFailed},
	StateDownloading:       {StateDownloading, StateDownloaded, StateRetryPageSize, StateDownloadFailed, StateReady},
	StateDownloaded:        {StateStaged},
	StateRetryPageSize:     {StateReady, StatePolling},
	StateDownloadFailed:    {StateReady},
	StateStatusCheckFailed: {StateCreated},
	StateStaged:            nil,
	StateSkipEntity:        nil,
}

// Terminal reports whether no further transitions are possible
func (s ReportState) Terminal() bool { return s == StateStaged || s == StateSkipEntity }

// Warning reports whether the state is surfaced to the caller as a warning
func (s ReportState) Warning() bool {
	return s == StateDownloadFailed || s == StateStatusCheckFailed
}

// CanTransition reports whether from -> to is legal
func CanTransition(from, to ReportState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateSkipEntity {
		return true
	}
	return slices.Contains(transitions[from], to)
}
