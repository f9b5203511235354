// Package control exposes the scheduler to an external narrative driver over
// a WebSocket connection.
//
// Each text frame from the client is one JSON [Request]; the server answers
// every request with one [Response] carrying the same id. Requests on a
// connection run in arrival order, except wait_complete which answers once
// the thread's prioritised components have finished and does not hold up the
// requests after it.
//
//	→ {"id":"7","op":"play","thread":"chapter1","tracks":["1.1","1.4"],"barrier_ms":60000}
//	← {"id":"7","ok":true}
//	→ {"id":"8","op":"time_until_complete","thread":"chapter1"}
//	← {"id":"8","ok":true,"result":{"remaining_ms":42000}}
package control

import (
	"errors"
	"math"
	"time"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

// Ops understood by the server.
const (
	OpPlay                 = "play"
	OpStop                 = "stop"
	OpSetPriority          = "set_priority"
	OpRemovePriority       = "remove_priority"
	OpRemovePriorityPrefix = "remove_priority_prefix"
	OpSetBarrier           = "set_barrier"
	OpAddComponent         = "add_component"
	OpTimeUntilComplete    = "time_until_complete"
	OpWaitComplete         = "wait_complete"
	OpStopAll              = "stop_all"
	OpTotalBarrierHits     = "total_barrier_hits"
	OpStatus               = "status"
	OpPlayEffect           = "play_effect"
	OpStopTag              = "stop_tag"
	OpSetVolume            = "set_volume"
)

// Error codes carried in [Response.Code].
const (
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeInvalidState = "invalid_state"
	CodeCancelled    = "cancelled"
	CodeInternal     = "internal"
)

var (
	// ErrBadRequest marks malformed or incomplete requests.
	ErrBadRequest = errors.New("control: bad request")

	// ErrUnknownThread is returned when a request names a thread that does
	// not exist.
	ErrUnknownThread = errors.New("control: unknown thread")
)

// Request is one client command. Which fields matter depends on Op.
type Request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Thread string          `json:"thread,omitempty"`
	Track  audio.TrackID   `json:"track,omitempty"`
	Prefix string          `json:"prefix,omitempty"`
	Tag    string          `json:"tag,omitempty"`

	// Tracks is play's priority set, lowest first. Omitted keeps every
	// component in insertion order; an empty list starts the thread silent.
	Tracks *[]audio.TrackID `json:"tracks,omitempty"`

	// StartMS places an added component on the timeline.
	StartMS float64 `json:"start_ms,omitempty"`

	// StartFromMS starts a played thread this far into its timeline.
	StartFromMS float64 `json:"start_from_ms,omitempty"`

	// BarrierMS sets a barrier. On set_barrier a missing value clears it.
	BarrierMS *float64 `json:"barrier_ms,omitempty"`

	FadeMS    float64  `json:"fade_ms,omitempty"`
	FadeInMS  float64  `json:"fade_in_ms,omitempty"`
	FadeOutMS float64  `json:"fade_out_ms,omitempty"`
	Loop      bool     `json:"loop,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`

	PreventOverlap bool `json:"prevent_overlap,omitempty"`
}

// Response answers one [Request].
type Response struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
	Result any    `json:"result,omitempty"`
}

// Hello is the result of the unsolicited first frame of every connection.
type Hello struct {
	Session string `json:"session"`
}

// Remaining is the result of time_until_complete.
type Remaining struct {
	RemainingMS int64 `json:"remaining_ms"`
}

// Hits is the result of total_barrier_hits.
type Hits struct {
	Hits       int     `json:"hits"`
	Distortion float64 `json:"distortion"`
}

func ms(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Millisecond)))
}
