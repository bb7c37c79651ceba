package domain

import "time"

// Kind enumerates supported generation categories.
type Kind string

const (
	KindPhoto         Kind = "PHOTO"
	KindImage2Video   Kind = "IMAGE2VIDEO"
	KindMotionControl Kind = "MOTION_CONTROL"
	KindPortrait      Kind = "PORTRAIT"
)

// ParseKind validates a client-supplied kind string.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindPhoto, KindImage2Video, KindMotionControl, KindPortrait:
		return Kind(s), true
	}
	return "", false
}

// SubmitsAtAdmission reports whether jobs of this kind are sent to the async
// provider in the request path rather than drained from the queue by the
// dispatcher.
func (k Kind) SubmitsAtAdmission() bool {
	return k == KindImage2Video || k == KindMotionControl
}

// Synchronous reports whether jobs of this kind are generated one-shot inside
// the reconciler instead of going through the async provider.
func (k Kind) Synchronous() bool {
	return k == KindPortrait
}

// Video reports whether the kind produces video artifacts.
func (k Kind) Video() bool {
	return k == KindImage2Video || k == KindMotionControl
}

// Tier enumerates quality levels for video kinds.
type Tier string

const (
	TierStandard Tier = "STANDARD"
	TierPro      Tier = "PRO"
)

// Status enumerates job lifecycle states.
type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusClaimed Status = "CLAIMED"
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusError   Status = "ERROR"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Payload is the structured request data carried by a job. It is stored as
// opaque JSON on the job row and passed through to the provider client.
type Payload struct {
	Prompt          string `json:"prompt"`
	NegativePrompt  string `json:"negative_prompt,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	TailImageURL    string `json:"tail_image_url,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Count           int    `json:"count,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
}

// Job encapsulates the lifecycle of one generation request.
type Job struct {
	ID            string
	OwnerEmail    string
	Kind          Kind
	Tier          Tier // empty unless the kind is a video kind
	Status        Status
	CostPoints    int
	Charged       bool
	Refunded      bool
	Payload       []byte
	TaskID        string
	ResultURLs    []string
	ExpectedCount int
	ErrorMessage  string
	CreatedAt     time.Time
	FinishedAt    *time.Time
	LockedAt      *time.Time
	LockedBy      string
}

// Complete reports whether the job has collected every requested artifact.
func (j *Job) Complete() bool {
	return j.ExpectedCount > 0 && len(j.ResultURLs) >= j.ExpectedCount
}

// MergeURLs appends entries of incoming that are not already present in
// existing, preserving discovery order. The returned slice is a copy; neither
// input is mutated.
func MergeURLs(existing, incoming []string) []string {
	merged := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, u := range existing {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		merged = append(merged, u)
	}
	for _, u := range incoming {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		merged = append(merged, u)
	}
	return merged
}
