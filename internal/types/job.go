package types

import "time"

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// AttemptRecord captures a single provider attempt within a job.
type AttemptRecord struct {
	Provider   string    `json:"provider"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// GenerationJob tracks a request through the router. Created at routing time,
// appended to per attempt, immutable once terminal.
type GenerationJob struct {
	ID           string          `json:"id"`
	ProviderUsed string          `json:"provider_used,omitempty"`
	ProviderRef  string          `json:"provider_ref,omitempty"`
	Attempts     []AttemptRecord `json:"attempts"`
	Status       JobStatus       `json:"status"`
	FallbackUsed bool            `json:"fallback_used"`
	CreatedAt    time.Time       `json:"created_at"`
}

// JobRef is the opaque handle an adapter returns for a submitted generation.
type JobRef struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

// GenerationRequest is a routed generation request. Template and style may
// restrict which providers are eligible.
type GenerationRequest struct {
	ID       string `json:"id"`
	Prompt   string `json:"prompt"`
	Template string `json:"template,omitempty"`
	Style    string `json:"style,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Steps    int    `json:"steps,omitempty"`
	Count    int    `json:"count,omitempty"`
}
