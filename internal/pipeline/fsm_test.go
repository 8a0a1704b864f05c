package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSMHappyPath(t *testing.T) {
	f := NewFSM()
	assert.Equal(t, StagePending, f.Current())

	for _, s := range []Stage{
		StageFetching, StageFetched,
		StageTransforming, StageTransformed,
		StageValidating, StageValidated,
		StageEncoding, StageEncoded,
		StageLoading, StageSucceeded,
	} {
		require.NoError(t, f.Transition(s), s)
	}
	assert.Equal(t, StageSucceeded, f.Current())
	assert.ErrorIs(t, f.Transition(StageFetching), ErrInvalidTransition)
}

func TestFSMFailureAndResume(t *testing.T) {
	f := NewFSM(FSMWithInitialState(StageEncoding))
	require.NoError(t, f.Transition(StageFailed))
	require.NoError(t, f.Transition(StageEncoding))

	f = NewFSM(FSMWithInitialState(StageFetched))
	assert.ErrorIs(t, f.Transition(StageFailed), ErrInvalidTransition, "completed stages do not fail")
	assert.ErrorIs(t, f.Transition(StageEncoding), ErrInvalidTransition, "stages are not skipped")
}

func TestStateResumeStage(t *testing.T) {
	testCases := []struct {
		stage  Stage
		failed Stage
		want   Stage
	}{
		{StagePending, "", StageFetching},
		{StageFetching, "", StageFetching},
		{StageFetched, "", StageTransforming},
		{StageTransformed, "", StageValidating},
		{StageValidated, "", StageEncoding},
		{StageEncoded, "", StageLoading},
		{StageLoading, "", StageLoading},
		{StageFailed, StageTransforming, StageTransforming},
		{StageSucceeded, "", ""},
	}
	for _, tc := range testCases {
		s := &State{Stage: tc.stage, FailedStage: tc.failed}
		assert.Equal(t, tc.want, s.ResumeStage(), tc.stage)
	}
}
