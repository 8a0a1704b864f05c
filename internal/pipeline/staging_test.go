package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/local"
	"github.com/turbolytics/tabulator/internal/retry"
)

func TestStagerRoundTrip(t *testing.T) {
	s := NewStager(local.New(t.TempDir()), retry.New(retry.Policy{}))
	ctx := context.Background()
	fields := []string{"area_code", "population"}
	records := []*internal.Record{
		internal.NewRecord(fields, []any{"13101", int64(9007199254740993)}),
		internal.NewRecord(fields, []any{"13102", nil}),
	}

	a, err := s.Put(ctx, "0002070002", "population", records, time.Now())
	require.NoError(t, err)
	assert.Equal(t, internal.ContentNormalizedJSON, a.ContentKind)
	assert.Equal(t, 2, a.RecordCount)
	assert.True(t, strings.HasPrefix(a.Key, "staged/0002070002/"), a.Key)

	got, err := s.Get(ctx, a)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fields, got[0].Fields())
	assert.Equal(t, []any{"13101", int64(9007199254740993)}, got[0].Values())
	assert.Equal(t, []any{"13102", nil}, got[1].Values())

	a.ContentKind = internal.ContentColumnar
	_, err = s.Get(ctx, a)
	assert.Error(t, err)
}
