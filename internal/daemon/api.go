package daemon

import (
	"time"

	"github.com/runwatch/runwatch/internal/model"
)

// Wire schema for the unix-socket API. Every response carries the schema
// version so forward-incompatible changes can bump it.

const schemaVersion = "v1"

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	RunCount      int       `json:"run_count"`
	IngestErrors  int64     `json:"ingest_errors"`
}

type RunListResponse struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Runs          []model.Run `json:"runs"`
}

type IngestResponse struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	RunID         string         `json:"run_id"`
	Category      model.Category `json:"category"`
}

type FlushRequest struct {
	Category model.Category `json:"category,omitempty"`
	Finished bool           `json:"finished,omitempty"`
}

type FlushResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Removed       int64     `json:"removed"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}
