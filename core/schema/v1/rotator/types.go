package rotator

import (
	_ "embed"
	"time"
)

const (
	JobFileSchemaID     = "rotator.jobfile"
	FaultRecordSchemaID = "rotator.fault_record"
	RunReportSchemaID   = "rotator.run_report"
	SnapshotSchemaID    = "rotator.snapshot"
	SchemaVersion       = "1.0.0"
)

//go:embed jobfile.schema.json
var JobFileSchema []byte

//go:embed fault_record.schema.json
var FaultRecordSchema []byte

// JobFile drives one `rotctl run`: the sessions to start and how many jobs
// each submits.
type JobFile struct {
	SchemaID      string        `json:"schema_id"`
	SchemaVersion string        `json:"schema_version"`
	Sessions      []SessionSpec `json:"sessions"`
	// BusErrors makes the next n hardware passes fail with a bus error.
	BusErrors int `json:"bus_errors,omitempty"`
	// CompetitorHolds is how many times the competing imem user takes the
	// bank while the jobs run.
	CompetitorHolds int `json:"competitor_holds,omitempty"`
}

type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type SessionSpec struct {
	Name       string `json:"name"`
	Format     string `json:"format"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Rect       *Rect  `json:"rect,omitempty"`
	DstX       int    `json:"dst_x,omitempty"`
	DstY       int    `json:"dst_y,omitempty"`
	DstWidth   int    `json:"dst_width,omitempty"`
	DstHeight  int    `json:"dst_height,omitempty"`
	Rotation   int    `json:"rotation,omitempty"`
	FlipLR     bool   `json:"flip_lr,omitempty"`
	FlipUD     bool   `json:"flip_ud,omitempty"`
	Downscale  int    `json:"downscale,omitempty"`
	Secure     bool   `json:"secure,omitempty"`
	NoTimeline bool   `json:"no_timeline,omitempty"`
	Jobs       int    `json:"jobs"`
	// Seed varies the generated source image between sessions.
	Seed int `json:"seed,omitempty"`
}

// FaultRecord is one line of the fault log: a job that hit a bus error or
// was discarded by a queue reset.
type FaultRecord struct {
	SchemaID        string    `json:"schema_id"`
	SchemaVersion   string    `json:"schema_version"`
	CreatedAt       time.Time `json:"created_at"`
	ProducerVersion string    `json:"producer_version"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	Kind            string    `json:"kind"`
	JobID           string    `json:"job_id"`
	Session         string    `json:"session"`
	Sequence        uint64    `json:"sequence"`
	Passes          int       `json:"passes"`
	Status          string    `json:"status,omitempty"`
	ErrorCode       string    `json:"error_code,omitempty"`
	Error           string    `json:"error,omitempty"`
}

type SessionReport struct {
	Name          string `json:"name"`
	Handle        string `json:"handle"`
	ConfigDigest  string `json:"config_digest"`
	FastPath      bool   `json:"fast_path"`
	TwoPass       bool   `json:"two_pass"`
	DstFormat     string `json:"dst_format"`
	DstWidth      int    `json:"dst_width"`
	DstHeight     int    `json:"dst_height"`
	JobsSubmitted int    `json:"jobs_submitted"`
	BusyRetries   int    `json:"busy_retries"`
	TimelineValue uint64 `json:"timeline_value"`
	OutputDigest  string `json:"output_digest,omitempty"`
}
