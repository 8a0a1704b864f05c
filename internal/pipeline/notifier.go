package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/turbolytics/tabulator/internal"
)

// Event describes one stage transition.
type Event struct {
	DatasetID   string             `json:"dataset_id"`
	Domain      string             `json:"domain"`
	Stage       Stage              `json:"stage"`
	FailedStage Stage              `json:"failed_stage,omitempty"`
	Attempt     int                `json:"attempt,omitempty"`
	Kind        internal.Kind      `json:"kind,omitempty"`
	Message     string             `json:"message,omitempty"`
	Artifact    *internal.Artifact `json:"artifact,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Notifier receives stage events. Delivery failures never fail an ingestion.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, e Event) error {
	return nil
}

// WriterNotifier prints one progress line per event.
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

func (n *WriterNotifier) Notify(ctx context.Context, e Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	line := fmt.Sprintf("[%s] %s %s", e.Timestamp.Format(time.RFC3339), e.DatasetID, e.Stage)
	switch {
	case e.Stage == StageFailed:
		line = fmt.Sprintf("[%s] %s FAILED(%s) kind=%s: %s",
			e.Timestamp.Format(time.RFC3339), e.DatasetID, e.FailedStage, e.Kind, e.Message)
	case e.Artifact != nil:
		line += fmt.Sprintf(" records=%d location=%s", e.Artifact.RecordCount, e.Artifact.Location)
	case e.Message != "":
		line += " " + e.Message
	}
	if e.Attempt > 1 {
		line += fmt.Sprintf(" (attempt %d)", e.Attempt)
	}
	_, err := fmt.Fprintln(n.w, line)
	return err
}

// MultiNotifier fans an event out to every notifier.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
