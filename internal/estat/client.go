// Package estat implements the fetcher.Source contract against the e-Stat
// getStatsData JSON API.
package estat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/fetcher"
)

const DefaultEndpoint = "https://api.e-stat.go.jp/rest/3.0/app/json"

// Result statuses at or above this value are request errors
// (unknown statsDataId, bad appId, invalid parameters).
const statusErrorThreshold = 100

// StatusError is a non 2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("e-stat: status %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

type statsDataResponse struct {
	GetStatsData struct {
		Result struct {
			Status   int    `json:"STATUS"`
			ErrorMsg string `json:"ERROR_MSG"`
		} `json:"RESULT"`
		StatisticalData struct {
			ResultInf struct {
				TotalNumber int `json:"TOTAL_NUMBER"`
				FromNumber  int `json:"FROM_NUMBER"`
				ToNumber    int `json:"TO_NUMBER"`
				NextKey     int `json:"NEXT_KEY,omitempty"`
			} `json:"RESULT_INF"`
			DataInf struct {
				Value json.RawMessage `json:"VALUE"`
			} `json:"DATA_INF"`
		} `json:"STATISTICAL_DATA"`
	} `json:"GET_STATS_DATA"`
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.SetTimeout(d)
		}
	}
}

// Client fetches statistical data pages.
type Client struct {
	client *resty.Client
	appID  string
	logger *zap.Logger
}

func NewClient(endpoint, appID string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client := resty.New()
	client.SetBaseURL(endpoint)
	client.SetHeader("Accept", "application/json")
	client.SetTimeout(60 * time.Second)

	c := &Client{
		client: client,
		appID:  appID,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns records [offset, offset+limit) of the dataset. Offsets are
// zero based; the API's startPosition is one based.
func (c *Client) Fetch(ctx context.Context, datasetID string, offset, limit int) (*fetcher.Page, error) {
	var out statsDataResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"appId":         c.appID,
			"statsDataId":   datasetID,
			"startPosition": strconv.Itoa(offset + 1),
			"limit":         strconv.Itoa(limit),
			"metaGetFlg":    "N",
			"cntGetFlg":     "N",
		}).
		SetResult(&out).
		Get("/getStatsData")

	if err != nil {
		return nil, &internal.Error{
			Kind:      internal.KindOf(err),
			Op:        "e-stat request",
			Retryable: internal.IsRetryable(err),
			Err:       err,
		}
	}

	if resp.IsError() {
		serr := &StatusError{Code: resp.StatusCode(), Body: truncate(resp.String(), 256)}
		kind := internal.KindUpstream
		if internal.IsTransientStatus(serr.Code) {
			kind = internal.KindTransient
		}
		return nil, internal.NewError(kind, "e-stat request", serr)
	}

	result := out.GetStatsData.Result
	if result.Status >= statusErrorThreshold {
		return nil, internal.NewError(
			internal.KindUpstream,
			"e-stat request",
			fmt.Errorf("dataset %s: status %d: %s", datasetID, result.Status, result.ErrorMsg),
		)
	}

	records, err := decodeValues(out.GetStatsData.StatisticalData.DataInf.Value)
	if err != nil {
		return nil, internal.NewError(internal.KindUpstream, "decode e-stat values", err)
	}

	c.logger.Debug("e-stat page",
		zap.String("dataset_id", datasetID),
		zap.Int("offset", offset),
		zap.Int("status", result.Status),
		zap.Int("records", len(records)),
	)

	page := &fetcher.Page{
		Records:       records,
		ReturnedCount: len(records),
	}
	if inf := out.GetStatsData.StatisticalData.ResultInf; inf.TotalNumber > 0 || result.Status == 0 {
		total := inf.TotalNumber
		page.TotalCount = &total
		if inf.ToNumber > 0 {
			page.ReturnedCount = inf.ToNumber - inf.FromNumber + 1
		}
	}
	return page, nil
}

// decodeValues accepts the VALUE element in either of its shapes: an array
// of records, or a bare object when the page holds exactly one record.
func decodeValues(raw json.RawMessage) ([]internal.RawRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var recs []internal.RawRecord
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return nil, err
		}
		return recs, nil
	case '{':
		var rec internal.RawRecord
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return nil, err
		}
		return []internal.RawRecord{rec}, nil
	default:
		return nil, fmt.Errorf("unexpected VALUE payload starting with %q", trimmed[0])
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
