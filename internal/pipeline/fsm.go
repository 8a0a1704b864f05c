package pipeline

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrInvalidTransition = fmt.Errorf("invalid state transition")
)

type FSM struct {
	mu          sync.Mutex
	Transitions map[Stage]map[Stage]struct{}

	current Stage
	logger  *zap.Logger
}

type FSMOption func(*FSM)

func FSMWithLogger(logger *zap.Logger) FSMOption {
	return func(f *FSM) {
		f.logger = logger
	}
}

func FSMWithInitialState(stage Stage) FSMOption {
	return func(f *FSM) {
		f.current = stage
	}
}

func NewFSM(opts ...FSMOption) *FSM {
	f := &FSM{
		current: StagePending,
		logger:  zap.NewNop(),

		Transitions: map[Stage]map[Stage]struct{}{
			StagePending: {
				StageFetching: {},
			},
			StageFetching: {
				StageFetched: {},
				StageFailed:  {},
			},
			StageFetched: {
				StageTransforming: {},
			},
			StageTransforming: {
				StageTransformed: {},
				StageFailed:      {},
			},
			StageTransformed: {
				StageValidating: {},
			},
			StageValidating: {
				StageValidated: {},
				StageFailed:    {},
			},
			StageValidated: {
				StageEncoding: {},
			},
			StageEncoding: {
				StageEncoded: {},
				StageFailed:  {},
			},
			StageEncoded: {
				StageLoading: {},
			},
			StageLoading: {
				StageSucceeded: {},
				StageFailed:    {},
			},
			StageFailed: {
				// resume at the failed stage, or from transform on revalidation
				StageFetching:     {},
				StageTransforming: {},
				StageValidating:   {},
				StageEncoding:     {},
				StageLoading:      {},
			},
			StageSucceeded: {},
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FSM) Current() Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *FSM) canTransition(to Stage) bool {
	if _, ok := f.Transitions[f.current][to]; ok {
		return true
	}
	return false
}

func (f *FSM) Transition(to Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.canTransition(to) {
		f.logger.Error("invalid state transition",
			zap.String("from", string(f.current)),
			zap.String("to", string(to)),
		)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.current, to)
	}
	previous := f.current
	f.current = to

	f.logger.Debug("state transitioned",
		zap.String("stage", string(f.current)),
		zap.String("from", string(previous)),
	)
	return nil
}
