package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"rtplan/pkg/histogram"
	"rtplan/pkg/plan"
)

// Store keeps plans, named histograms and optimization run summaries.
// Get methods report whether the record exists.
type Store interface {
	Init(ctx context.Context) error
	SavePlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, name string) (*plan.Plan, bool, error)
	ListPlans(ctx context.Context) ([]string, error)
	DeletePlan(ctx context.Context, name string) error
	SaveHistogram(ctx context.Context, id string, h *histogram.Histogram) error
	GetHistogram(ctx context.Context, id string) (*histogram.Histogram, bool, error)
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, id string) (RunRecord, bool, error)
}

// RunRecord summarises one optimization of a plan
type RunRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`

	ID        string        `json:"id"`
	Plan      string        `json:"plan"`
	Method    string        `json:"method"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	FinalCost float64       `json:"final_cost"`
	Levels    []RunLevel    `json:"levels"`
}

// RunLevel is the per-level part of a RunRecord
type RunLevel struct {
	Level      int           `json:"level"`
	Iterations int           `json:"iterations"`
	Cost       float64       `json:"cost"`
	Status     string        `json:"status"`
	Duration   time.Duration `json:"duration"`
}

// RunSchema is the current RunRecord layout
const RunSchema = 1

// NewRunRecord builds a record from an optimization result; res may be
// nil when the run failed before the first level.
func NewRunRecord(id, planName, method string, started time.Time, res *plan.Result, runErr error) RunRecord {
	r := RunRecord{
		SchemaVersion: RunSchema,
		CodecVersion:  CodecVersion,
		ID:            id,
		Plan:          planName,
		Method:        method,
		Status:        "completed",
		Started:       started,
		Duration:      time.Since(started),
	}
	if runErr != nil {
		r.Status = "failed"
		r.Error = runErr.Error()
	}
	if res != nil {
		r.FinalCost = finite(res.FinalCost)
		for _, l := range res.Levels {
			r.Levels = append(r.Levels, RunLevel{
				Level: l.Level, Iterations: l.Iterations, Cost: finite(l.Cost), Status: l.Status, Duration: l.Duration,
			})
		}
	}
	return r
}

// finite maps costs JSON cannot carry to 0
func finite(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}

// EncodeRun serialises a run record as JSON
func EncodeRun(r RunRecord) ([]byte, error) {
	if r.SchemaVersion == 0 {
		r.SchemaVersion = RunSchema
	}
	if r.CodecVersion == 0 {
		r.CodecVersion = CodecVersion
	}
	return json.Marshal(r)
}

// DecodeRun parses a run record
func DecodeRun(data []byte) (RunRecord, error) {
	var r RunRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return RunRecord{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if r.SchemaVersion > RunSchema {
		return RunRecord{}, fmt.Errorf("run schema %d (current %d): %w", r.SchemaVersion, RunSchema, ErrUnsupportedSchema)
	}
	return r, nil
}
