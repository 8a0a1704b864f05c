package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/quality"
)

func TestFilesystemStore(t *testing.T) {
	dir := t.TempDir()
	s := NewFilesystemStore(dir, nil)
	ctx := context.Background()

	got, err := s.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	states, err := NewFilesystemStore(filepath.Join(dir, "nope"), nil).List(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)

	total := 103629
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	st := NewState(internal.DatasetRequest{DatasetID: "0002070002", Domain: "population", TotalRecords: &total}, now)
	st.Stage = StageFailed
	st.FailedStage = StageValidating
	st.Report = &quality.Report{RecordCount: 2, Issues: []quality.Issue{{
		Severity: quality.SeverityError, Check: quality.CheckRequired, Field: "population", Message: "1 record(s)",
	}}}
	st.LastError = &ErrorRecord{Stage: StageValidating, Kind: internal.KindValidation, Message: "quality gate failed", At: now}
	st.Artifacts[StageFetched] = internal.Artifact{Location: "file:///tmp/raw.json", ContentKind: internal.ContentRawJSON, CreatedAt: now}
	require.NoError(t, s.Save(ctx, st))
	require.NoError(t, s.Save(ctx, &State{DatasetID: "0001", Stage: StagePending}))

	loaded, err := s.Load(ctx, "0002070002")
	require.NoError(t, err)
	assert.Equal(t, st, loaded)
	assert.True(t, loaded.ValidationFailed())

	_, err = os.Stat(filepath.Join(dir, "0002070002.state.json"))
	assert.NoError(t, err)

	states, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "0001", states[0].DatasetID)

	require.NoError(t, s.Delete(ctx, "0001"))
	require.NoError(t, s.Delete(ctx, "0001"))
	states, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}
