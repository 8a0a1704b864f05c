package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/catalog"
	"github.com/turbolytics/tabulator/internal/fetcher"
	"github.com/turbolytics/tabulator/internal/quality"
	"github.com/turbolytics/tabulator/internal/retry"
	"github.com/turbolytics/tabulator/internal/schema"
)

// IngestOptions change how Ingest treats an existing state.
type IngestOptions struct {
	// Override encodes records that failed validation.
	Override bool
	// Revalidate re-runs from transform, typically after a mapping change.
	Revalidate bool
	// Reset starts a new generation for a dataset that already succeeded.
	Reset bool
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithRetrier sets the retrier used for state saves.
func WithRetrier(r *retry.Retrier) Option {
	return func(o *Orchestrator) {
		o.retrier = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// The stage contracts. The concrete implementations live in the fetcher,
// schema, quality, parquet and catalog packages.
type (
	Fetcher interface {
		Fetch(ctx context.Context, req internal.DatasetRequest, startOffset int) (*fetcher.Result, error)
	}
	Transformer interface {
		Transform(ctx context.Context, artifact internal.Artifact, domain string) ([]*internal.Record, error)
	}
	Validator interface {
		Validate(domain string, records []*internal.Record) (*quality.Report, error)
	}
	Encoder interface {
		Write(ctx context.Context, d schema.Domain, datasetID string, records []*internal.Record) (internal.Artifact, int, error)
	}
	Loader interface {
		Load(ctx context.Context, table string, artifact internal.Artifact) (*catalog.LoadResult, error)
	}
)

// Components are the stage implementations an Orchestrator drives.
type Components struct {
	Registry  *schema.Registry
	Fetcher   Fetcher
	Mapper    Transformer
	Validator Validator
	Stager    *Stager
	Writer    Encoder
	Loader    Loader
}

type Orchestrator struct {
	registry  *schema.Registry
	fetcher   Fetcher
	mapper    Transformer
	validator Validator
	stager    *Stager
	writer    Encoder
	loader    Loader
	store     StateStore
	notifier  Notifier
	retrier   *retry.Retrier
	logger    *zap.Logger
	now       func() time.Time
}

func New(c Components, store StateStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:  c.Registry,
		fetcher:   c.Fetcher,
		mapper:    c.Mapper,
		validator: c.Validator,
		stager:    c.Stager,
		writer:    c.Writer,
		loader:    c.Loader,
		store:     store,
		notifier:  NoopNotifier{},
		retrier:   retry.New(retry.Policy{}),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Store() StateStore {
	return o.store
}

// Ingest runs the request to completion, resuming from any persisted state.
// The returned state reflects what was persisted; a failed stage is also
// returned as a *StageError.
func (o *Orchestrator) Ingest(ctx context.Context, req internal.DatasetRequest, opts IngestOptions) (*State, error) {
	if err := req.Validate(); err != nil {
		return nil, &StageError{Stage: StagePending, Kind: internal.KindSchema, Detail: "invalid request", Err: err}
	}
	domain, err := o.registry.Lookup(req.Domain)
	if err != nil {
		return nil, &StageError{Stage: StagePending, Kind: internal.KindSchema, Detail: "domain " + req.Domain, Err: err}
	}

	l := o.logger.With(zap.String("dataset_id", req.DatasetID), zap.String("domain", domain.Name))

	state, err := o.store.Load(ctx, req.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	switch {
	case state == nil:
		state = NewState(req, o.now())
	case opts.Reset:
		l.Info("resetting ingestion", zap.String("previous_stage", state.Describe()))
		state = NewState(req, o.now())
	case state.Domain != req.Domain:
		return state, &StageError{
			Stage:  StagePending,
			Kind:   internal.KindSchema,
			Detail: fmt.Sprintf("dataset %s was ingested as domain %s, reset to change it to %s", req.DatasetID, state.Domain, req.Domain),
		}
	case state.Stage == StageSucceeded:
		l.Info("ingestion already succeeded")
		return state, nil
	}
	if req.TotalRecords != nil {
		state.TotalRecords = req.TotalRecords
	}

	next := state.ResumeStage()
	switch {
	case opts.Revalidate && state.canRevalidate():
		l.Info("revalidating from transform", zap.String("previous_stage", state.Describe()))
		state.Stage = StageFetched
		state.FailedStage = ""
		state.Report = nil
		next = StageTransforming
	case state.ValidationFailed() && opts.Override:
		l.Warn("overriding failed validation", zap.String("detail", state.LastError.Detail))
		next = StageEncoding
	case state.ValidationFailed():
		return state, &StageError{
			Stage:  StageValidating,
			Kind:   internal.KindValidation,
			Detail: state.LastError.Detail,
			Err:    errors.New(state.LastError.Message),
		}
	}

	fsm := NewFSM(FSMWithInitialState(state.Stage), FSMWithLogger(l.Named("fsm")))
	if state.Stage != StagePending {
		l.Info("resuming ingestion",
			zap.String("from", state.Describe()),
			zap.String("stage", string(next)),
		)
	}

	started := false
	for _, stage := range inProgress {
		if stage == next {
			started = true
		}
		if !started {
			continue
		}
		if err := o.run(ctx, fsm, state, domain, stage, opts); err != nil {
			return state, err
		}
	}
	return state, nil
}

// run drives a single stage: enter it, execute it and record the outcome.
func (o *Orchestrator) run(ctx context.Context, fsm *FSM, state *State, domain schema.Domain, stage Stage, opts IngestOptions) error {
	l := o.logger.With(zap.String("dataset_id", state.DatasetID), zap.String("stage", string(stage)))

	if fsm.Current() != stage {
		if err := fsm.Transition(stage); err != nil {
			return err
		}
	}
	state.Stage = stage
	state.FailedStage = ""
	state.Attempts[stage]++
	if err := o.save(ctx, state); err != nil {
		return o.fail(ctx, fsm, state, stage, "saving state", err)
	}
	o.notify(ctx, state, Event{Stage: stage, Attempt: state.Attempts[stage]})

	var (
		produced *internal.Artifact
		detail   string
		err      error
	)
	switch stage {
	case StageFetching:
		produced, err = o.fetch(ctx, state)
	case StageTransforming:
		produced, detail, err = o.transform(ctx, state, domain)
	case StageValidating:
		detail, err = o.validate(ctx, state, domain, opts)
	case StageEncoding:
		produced, detail, err = o.encode(ctx, state, domain, opts)
	case StageLoading:
		err = o.load(ctx, state, domain)
	}
	if err != nil {
		return o.fail(ctx, fsm, state, stage, detail, err)
	}

	done := completes[stage]
	state.Stage = done
	state.LastError = nil
	if produced != nil {
		state.Artifacts[done] = *produced
	}
	// a finished stage is recorded even when the caller has gone away
	if err := o.save(context.WithoutCancel(ctx), state); err != nil {
		state.Stage = stage
		if produced != nil {
			delete(state.Artifacts, done)
		}
		return o.fail(ctx, fsm, state, stage, "saving state", err)
	}
	if err := fsm.Transition(done); err != nil {
		return err
	}
	l.Info("stage complete", zap.String("state", string(done)))
	o.notify(ctx, state, Event{Stage: done, Artifact: produced})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, fsm *FSM, state *State, stage Stage, detail string, cause error) error {
	kind := internal.KindOf(cause)
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = internal.KindCancellation
	}
	serr := &StageError{Stage: stage, Kind: kind, Detail: detail, Err: cause}

	if err := fsm.Transition(StageFailed); err != nil {
		return err
	}
	state.Stage = StageFailed
	state.FailedStage = stage
	state.LastError = &ErrorRecord{
		Stage:   stage,
		Kind:    kind,
		Message: cause.Error(),
		Detail:  detail,
		At:      o.now().UTC(),
	}

	// the failure is recorded even when the caller has gone away
	saveCtx := context.WithoutCancel(ctx)
	if err := o.save(saveCtx, state); err != nil {
		return errors.Join(serr, err)
	}
	o.logger.Error("stage failed",
		zap.String("dataset_id", state.DatasetID),
		zap.String("stage", string(stage)),
		zap.String("kind", string(kind)),
		zap.String("detail", detail),
		zap.Error(cause),
	)
	o.notify(saveCtx, state, Event{
		Stage:       StageFailed,
		FailedStage: stage,
		Kind:        kind,
		Message:     serr.Error(),
	})
	return serr
}

func (o *Orchestrator) fetch(ctx context.Context, state *State) (*internal.Artifact, error) {
	res, err := o.fetcher.Fetch(ctx, state.Request(), 0)
	if err != nil {
		return nil, err
	}
	state.Discrepancies = res.Discrepancies
	return &res.Artifact, nil
}

func (o *Orchestrator) transform(ctx context.Context, state *State, domain schema.Domain) (*internal.Artifact, string, error) {
	raw, err := state.artifact(StageFetched)
	if err != nil {
		return nil, "", err
	}
	detail := fmt.Sprintf("%d raw records at %s", raw.RecordCount, raw.Location)
	records, err := o.mapper.Transform(ctx, raw, domain.Name)
	if err != nil {
		return nil, detail, err
	}
	// raw records carrying none of the domain's source fields are dropped
	state.SkippedRecords = 0
	if skipped := raw.RecordCount - len(records); skipped > 0 {
		state.SkippedRecords = skipped
		o.logger.Warn("raw records skipped during transform",
			zap.String("dataset_id", state.DatasetID),
			zap.Int("skipped", skipped),
			zap.Int("raw", raw.RecordCount),
		)
	}
	staged, err := o.stager.Put(ctx, state.DatasetID, domain.Name, records, o.now())
	if err != nil {
		return nil, detail, err
	}
	return &staged, "", nil
}

func (o *Orchestrator) validate(ctx context.Context, state *State, domain schema.Domain, opts IngestOptions) (string, error) {
	staged, err := state.artifact(StageTransformed)
	if err != nil {
		return "", err
	}
	records, err := o.stager.Get(ctx, staged)
	if err != nil {
		return "", err
	}
	report, err := o.validator.Validate(domain.Name, records)
	if err != nil {
		return "", err
	}
	state.Report = report
	if !report.IsValid && opts.Override {
		o.logger.Warn("encoding records that failed validation",
			zap.String("dataset_id", state.DatasetID),
			zap.String("report", report.Summary()),
		)
		return "", nil
	}
	if !report.IsValid {
		detail := fmt.Sprintf("%d records, %d error issue(s): %s", report.RecordCount, len(report.Errors()), report.Summary())
		return detail, internal.NewError(internal.KindValidation, "validate", errors.New("quality gate failed"))
	}
	return "", nil
}

func (o *Orchestrator) encode(ctx context.Context, state *State, domain schema.Domain, opts IngestOptions) (*internal.Artifact, string, error) {
	if state.Report == nil {
		return nil, "", internal.NewError(internal.KindValidation, "encode", errors.New("records have not been validated"))
	}
	if !state.Report.IsValid && !opts.Override {
		return nil, state.Report.Summary(), internal.NewError(internal.KindValidation, "encode", errors.New("quality gate failed"))
	}
	staged, err := state.artifact(StageTransformed)
	if err != nil {
		return nil, "", err
	}
	records, err := o.stager.Get(ctx, staged)
	if err != nil {
		return nil, "", err
	}
	artifact, rows, err := o.writer.Write(ctx, domain, state.DatasetID, records)
	if err != nil {
		return nil, fmt.Sprintf("%d records", len(records)), err
	}
	if rows != staged.RecordCount {
		return nil, "", internal.NewError(internal.KindStorage, "encode",
			fmt.Errorf("encoded %d rows from %d staged records", rows, staged.RecordCount))
	}
	return &artifact, "", nil
}

func (o *Orchestrator) load(ctx context.Context, state *State, domain schema.Domain) error {
	artifact, err := state.artifact(StageEncoded)
	if err != nil {
		return err
	}
	table := domain.TableName()
	if state.IsRegistered(artifact.Location) {
		o.logger.Info("artifact already loaded",
			zap.String("dataset_id", state.DatasetID),
			zap.String("location", artifact.Location),
		)
		return nil
	}
	if _, err := o.loader.Load(ctx, table, artifact); err != nil {
		return err
	}
	state.Registered = append(state.Registered, Registration{
		Location: artifact.Location,
		Table:    table,
		At:       o.now().UTC(),
	})
	return nil
}

func (o *Orchestrator) save(ctx context.Context, state *State) error {
	state.UpdatedAt = o.now().UTC()
	err := o.retrier.Run(ctx, "save state", func(ctx context.Context) error {
		return o.store.Save(ctx, state)
	})
	if err == nil {
		return nil
	}
	var ierr *internal.Error
	if errors.As(err, &ierr) {
		return err
	}
	return internal.StorageError("saving state", err)
}

func (o *Orchestrator) notify(ctx context.Context, state *State, e Event) {
	e.DatasetID = state.DatasetID
	e.Domain = state.Domain
	e.Timestamp = o.now().UTC()
	if err := o.notifier.Notify(ctx, e); err != nil {
		o.logger.Warn("failed to deliver stage event",
			zap.String("dataset_id", state.DatasetID),
			zap.String("stage", string(e.Stage)),
			zap.Error(err),
		)
	}
}
