package schema

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/fetcher"
	"github.com/turbolytics/tabulator/internal/local"
	"github.com/turbolytics/tabulator/internal/retry"
)

func populationRaw(area, value string) internal.RawRecord {
	return internal.RawRecord{
		"@tab":   "020",
		"@cat01": "001",
		"@cat02": "010",
		"@area":  area,
		"@time":  "2020000000",
		"@unit":  "人",
		"$":      value,
	}
}

func newMapper(t *testing.T) (*Mapper, *local.Repository) {
	t.Helper()
	repo := local.New(t.TempDir())
	return NewMapper(DefaultRegistry(), repo, retry.New(retry.Policy{})), repo
}

func TestMapPopulation(t *testing.T) {
	m, _ := newMapper(t)

	records, err := m.Map("population", []internal.RawRecord{populationRaw("13101", "1,234")})
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Equal(t, map[string]any{
		"stat_table": "020",
		"sex_code":   "001",
		"age_code":   "010",
		"area_code":  "13101",
		"year":       "2020",
		"period":     "000000",
		"unit":       "人",
		"population": int64(1234),
	}, records[0].Map())
}

func TestMapDecomposesCompositeCode(t *testing.T) {
	m, _ := newMapper(t)

	records, err := m.Map("labor", []internal.RawRecord{{
		"@tab": "010", "@cat01": "E29", "@cat02": "1", "@area": "00000", "@time": "2023001212", "@unit": "万人", "$": "52",
	}})
	require.NoError(t, err)

	rec := records[0]
	cat, _ := rec.Get("category")
	sub, _ := rec.Get("subcategory")
	period, _ := rec.Get("period")
	workers, _ := rec.Get("workers")
	assert.Equal(t, "E", cat)
	assert.Equal(t, "29", sub)
	assert.Equal(t, "001212", period)
	assert.Equal(t, int64(52), workers)
}

func TestMapMissingAndPlaceholderValuesAreNull(t *testing.T) {
	m, _ := newMapper(t)

	raw := populationRaw("13101", "-")
	delete(raw, "@cat02")
	records, err := m.Map("population", []internal.RawRecord{raw, populationRaw("13102", "***")})
	require.NoError(t, err)
	require.Len(t, records, 2)

	age, ok := records[0].Get("age_code")
	assert.True(t, ok)
	assert.Nil(t, age)
	pop, _ := records[0].Get("population")
	assert.Nil(t, pop)
	pop, _ = records[1].Get("population")
	assert.Nil(t, pop)
}

func TestMapFieldSetIsIdenticalAcrossRecords(t *testing.T) {
	m, _ := newMapper(t)

	raws := []internal.RawRecord{
		populationRaw("13101", "1"),
		{"$": "5"},
		{"@area": "01100", "@extra": "x"},
		populationRaw("13103", "not-a-number"),
	}
	records, err := m.Map("population", raws)
	require.NoError(t, err)
	require.Len(t, records, len(raws))

	want := DefaultRegistry()
	d, err := want.Lookup("population")
	require.NoError(t, err)
	for _, r := range records {
		assert.Equal(t, d.FieldNames(), r.Fields())
	}

	again, err := m.Map("population", raws)
	require.NoError(t, err)
	for i := range records {
		assert.Equal(t, records[i].Values(), again[i].Values())
	}
}

func TestMapLogsExtraFieldsOnce(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewMapper(DefaultRegistry(), nil, nil, WithLogger(zap.New(core)))

	raws := []internal.RawRecord{}
	for i := 0; i < 50; i++ {
		r := populationRaw("13101", "1")
		r["@cat03"] = "x"
		r["annotation"] = "y"
		raws = append(raws, r)
	}
	_, err := m.Map("population", raws)
	require.NoError(t, err)

	extra := logs.FilterMessage("ignoring unmapped source field").All()
	require.Len(t, extra, 2)
	assert.Equal(t, "@cat03", extra[0].ContextMap()["field"])
	assert.Equal(t, "annotation", extra[1].ContextMap()["field"])
}

func TestMapUnknownDomain(t *testing.T) {
	m, _ := newMapper(t)
	_, err := m.Map("weather", []internal.RawRecord{populationRaw("1", "1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownDomain)
	assert.Equal(t, internal.KindSchema, internal.KindOf(err))
}

func TestMapNothingSurvives(t *testing.T) {
	m, _ := newMapper(t)
	_, err := m.Map("population", []internal.RawRecord{{"foo": "1"}, {"bar": "2"}})
	require.Error(t, err)
	assert.Equal(t, internal.KindSchema, internal.KindOf(err))
}

func TestMapEmptyInput(t *testing.T) {
	m, _ := newMapper(t)
	records, err := m.Map("population", nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestTransformReadsRawArtifact(t *testing.T) {
	m, repo := newMapper(t)
	ctx := context.Background()

	doc := fetcher.RawDocument{
		DatasetID: "0002070002",
		Domain:    "population",
		Records:   []internal.RawRecord{populationRaw("13101", "10"), populationRaw("13102", "20")},
	}
	bs, err := json.Marshal(doc)
	require.NoError(t, err)
	loc, err := repo.Put(ctx, "raw/0002070002/g/records.json", bs)
	require.NoError(t, err)

	records, err := m.Transform(ctx, internal.Artifact{Location: loc, ContentKind: internal.ContentRawJSON}, "population")
	require.NoError(t, err)
	require.Len(t, records, 2)
	pop, _ := records[1].Get("population")
	assert.Equal(t, int64(20), pop)

	_, err = m.Transform(ctx, internal.Artifact{Location: loc, ContentKind: internal.ContentColumnar}, "population")
	assert.Error(t, err)
}

func TestConvert(t *testing.T) {
	intField := Field{Name: "n", Type: TypeInt, Source: "$"}
	testCases := []struct {
		raw  any
		want any
		ok   bool
	}{
		{"42", int64(42), true},
		{" 1,000 ", int64(1000), true},
		{float64(7), int64(7), true},
		{json.Number("12"), int64(12), true},
		{"1200.0", int64(1200), true},
		{"12.5", nil, false},
		{"abc", nil, false},
		{"X", nil, true},
		{nil, nil, true},
	}
	for _, tc := range testCases {
		got, ok := convert(intField, tc.raw)
		assert.Equal(t, tc.want, got, "%v", tc.raw)
		assert.Equal(t, tc.ok, ok, "%v", tc.raw)
	}

	sliced := Field{Name: "year", Type: TypeString, Source: "@time", Slice: []int{0, 4}}
	got, ok := convert(sliced, "2020000000")
	assert.Equal(t, "2020", got)
	assert.True(t, ok)
	got, ok = convert(sliced, "20")
	assert.Nil(t, got)
	assert.False(t, ok)
}
