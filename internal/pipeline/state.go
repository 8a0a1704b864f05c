// Package pipeline drives a dataset request through fetch, transform,
// validate, encode and load, persisting its state after every transition.
package pipeline

import (
	"fmt"
	"time"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/quality"
)

type Stage string

const (
	StagePending      Stage = "PENDING"
	StageFetching     Stage = "FETCHING"
	StageFetched      Stage = "FETCHED"
	StageTransforming Stage = "TRANSFORMING"
	StageTransformed  Stage = "TRANSFORMED"
	StageValidating   Stage = "VALIDATING"
	StageValidated    Stage = "VALIDATED"
	StageEncoding     Stage = "ENCODING"
	StageEncoded      Stage = "ENCODED"
	StageLoading      Stage = "LOADING"
	StageSucceeded    Stage = "SUCCEEDED"
	StageFailed       Stage = "FAILED"
)

// Ordered in-progress stages and the stage each one completes into.
var (
	inProgress = []Stage{StageFetching, StageTransforming, StageValidating, StageEncoding, StageLoading}
	completes  = map[Stage]Stage{
		StageFetching:     StageFetched,
		StageTransforming: StageTransformed,
		StageValidating:   StageValidated,
		StageEncoding:     StageEncoded,
		StageLoading:      StageSucceeded,
	}
)

func (s Stage) InProgress() bool {
	_, ok := completes[s]
	return ok
}

func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// ErrorRecord is the persisted form of the last stage failure.
type ErrorRecord struct {
	Stage   Stage         `json:"stage" bson:"stage"`
	Kind    internal.Kind `json:"kind" bson:"kind"`
	Message string        `json:"message" bson:"message"`
	Detail  string        `json:"detail,omitempty" bson:"detail,omitempty"`
	At      time.Time     `json:"at" bson:"at"`
}

// Registration records an artifact already handed to the table loader.
type Registration struct {
	Location string    `json:"location" bson:"location"`
	Table    string    `json:"table" bson:"table"`
	At       time.Time `json:"at" bson:"at"`
}

// State is the per dataset record the orchestrator owns.
type State struct {
	DatasetID      string                      `json:"dataset_id" bson:"_id"`
	Domain         string                      `json:"domain" bson:"domain"`
	TotalRecords   *int                        `json:"total_records,omitempty" bson:"total_records,omitempty"`
	Stage          Stage                       `json:"stage" bson:"stage"`
	FailedStage    Stage                       `json:"failed_stage,omitempty" bson:"failed_stage,omitempty"`
	Artifacts      map[Stage]internal.Artifact `json:"artifacts" bson:"artifacts"`
	Report         *quality.Report             `json:"report,omitempty" bson:"report,omitempty"`
	LastError      *ErrorRecord                `json:"last_error,omitempty" bson:"last_error,omitempty"`
	Attempts       map[Stage]int               `json:"attempts" bson:"attempts"`
	Registered     []Registration              `json:"registered" bson:"registered"`
	Discrepancies  []string                    `json:"discrepancies,omitempty" bson:"discrepancies,omitempty"`
	// SkippedRecords counts raw records that mapped to no domain field.
	SkippedRecords int                         `json:"skipped_records,omitempty" bson:"skipped_records,omitempty"`
	CreatedAt      time.Time                   `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at" bson:"updated_at"`
}

func NewState(req internal.DatasetRequest, now time.Time) *State {
	return &State{
		DatasetID:    req.DatasetID,
		Domain:       req.Domain,
		TotalRecords: req.TotalRecords,
		Stage:        StagePending,
		Artifacts:    map[Stage]internal.Artifact{},
		Attempts:     map[Stage]int{},
		Registered:   []Registration{},
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}

func (s *State) Request() internal.DatasetRequest {
	return internal.DatasetRequest{
		DatasetID:    s.DatasetID,
		Domain:       s.Domain,
		TotalRecords: s.TotalRecords,
	}
}

// ResumeStage returns the in-progress stage the state re-enters at, or an
// empty stage when there is nothing left to do.
func (s *State) ResumeStage() Stage {
	switch s.Stage {
	case StagePending:
		return StageFetching
	case StageFailed:
		return s.FailedStage
	case StageFetched:
		return StageTransforming
	case StageTransformed:
		return StageValidating
	case StageValidated:
		return StageEncoding
	case StageEncoded:
		return StageLoading
	case StageSucceeded:
		return ""
	default:
		return s.Stage
	}
}

// ValidationFailed reports whether the state halted at the quality gate.
func (s *State) ValidationFailed() bool {
	return s.Stage == StageFailed &&
		s.FailedStage == StageValidating &&
		s.LastError != nil &&
		s.LastError.Kind == internal.KindValidation
}

// canRevalidate reports whether transform can be re-run from the stored raw
// artifact. Once loading has started the encoded artifact may already be
// visible, so the state is left alone.
func (s *State) canRevalidate() bool {
	if _, ok := s.Artifacts[StageFetched]; !ok {
		return false
	}
	return s.Stage != StageLoading && s.FailedStage != StageLoading && s.Stage != StageSucceeded
}

func (s *State) IsRegistered(location string) bool {
	for _, r := range s.Registered {
		if r.Location == location {
			return true
		}
	}
	return false
}

func (s *State) artifact(stage Stage) (internal.Artifact, error) {
	a, ok := s.Artifacts[stage]
	if !ok {
		return internal.Artifact{}, internal.NewError(internal.KindStorage, "resume",
			fmt.Errorf("dataset %s has no %s artifact", s.DatasetID, stage))
	}
	return a, nil
}

// Describe renders the stage, including the failed stage when failed.
func (s *State) Describe() string {
	if s.Stage == StageFailed {
		return fmt.Sprintf("FAILED(%s)", s.FailedStage)
	}
	return string(s.Stage)
}

// StageError is returned by Ingest when a stage fails.
type StageError struct {
	Stage  Stage
	Kind   internal.Kind
	Detail string
	Err    error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("stage %s failed (%s)", e.Stage, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}
