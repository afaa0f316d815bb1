package models

import (
	"time"
)

// Job kinds processed by the pipeline.
const (
	KindContentGeneration = "content_generation"
	KindImageGeneration   = "image_generation"
	KindNFTMinting        = "nft_minting"
	KindNotification      = "notification"
)

// Job delivery lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusDeadLetter = "dead_lettered"
)

// Job is one unit of asynchronous work tracked by the broker.
type Job struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	NextRunAt   time.Time      `json:"next_run_at"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
