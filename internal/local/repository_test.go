package local

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/tabulator/internal"
)

func TestRepositoryPutGet(t *testing.T) {
	ctx := context.Background()
	r := New(t.TempDir(), WithPrefix("lake"))

	loc, err := r.Put(ctx, "raw/0002070002/gen-1/records.json", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, "file://"))
	assert.True(t, strings.HasSuffix(loc, "lake/raw/0002070002/gen-1/records.json"))

	bs, err := r.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(bs))
}

func TestRepositoryNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	r := New(t.TempDir())

	loc, err := r.Put(ctx, "k", []byte("first"))
	require.NoError(t, err)

	_, err = r.Put(ctx, "k", []byte("second"))
	assert.ErrorIs(t, err, internal.ErrExists)

	bs, err := r.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "first", string(bs))
}

func TestRepositoryGetMissing(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.Get(context.Background(), "file:///does/not/exist")
	assert.ErrorIs(t, err, internal.ErrNotFound)

	_, err = r.Get(context.Background(), "s3://bucket/key")
	assert.Error(t, err)
}
