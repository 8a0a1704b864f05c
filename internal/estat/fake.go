package estat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// FakeServer serves synthetic getStatsData responses for local development
// and tests. Records follow the shape of a population census table.
type FakeServer struct {
	datasets map[string]int
	failures int
	logger   *zap.Logger

	mu       sync.Mutex
	requests int
}

type FakeOption func(*FakeServer)

// WithTransientFailures makes the first n requests answer 503.
func WithTransientFailures(n int) FakeOption {
	return func(s *FakeServer) {
		s.failures = n
	}
}

func WithFakeLogger(l *zap.Logger) FakeOption {
	return func(s *FakeServer) {
		s.logger = l
	}
}

// NewFakeServer serves the datasets given as id -> total record count.
func NewFakeServer(datasets map[string]int, opts ...FakeOption) *FakeServer {
	s := &FakeServer{
		datasets: datasets,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Requests returns how many getStatsData requests were served.
func (s *FakeServer) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *FakeServer) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/getStatsData", s.getStatsData)
	return r
}

// FakeRecord returns the i-th synthetic record.
func FakeRecord(i int) map[string]any {
	return map[string]any{
		"@tab":   "020",
		"@cat01": fmt.Sprintf("%03d", i%3),
		"@cat02": fmt.Sprintf("%03d", (i/3)%100),
		"@area":  fmt.Sprintf("%05d", i/300),
		"@time":  "2020000000",
		"@unit":  "人",
		"$":      strconv.Itoa(i % 10000),
	}
}

func (s *FakeServer) getStatsData(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()

	if fail {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	id := q.Get("statsDataId")
	start, _ := strconv.Atoi(q.Get("startPosition"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if start < 1 {
		start = 1
	}
	if limit <= 0 {
		limit = 100000
	}

	body := map[string]any{}
	result := map[string]any{"STATUS": 0, "ERROR_MSG": "正常に終了しました。"}

	total, ok := s.datasets[id]
	switch {
	case !ok:
		result = map[string]any{"STATUS": 100, "ERROR_MSG": fmt.Sprintf("統計表ID %s が見つかりません。", id)}
	case start > total:
		result = map[string]any{"STATUS": 1, "ERROR_MSG": "正常に終了しましたが、該当データはありませんでした。"}
	default:
		end := start + limit - 1
		if end > total {
			end = total
		}
		values := make([]map[string]any, 0, end-start+1)
		for i := start - 1; i < end; i++ {
			values = append(values, FakeRecord(i))
		}
		inf := map[string]any{
			"TOTAL_NUMBER": total,
			"FROM_NUMBER":  start,
			"TO_NUMBER":    end,
		}
		if end < total {
			inf["NEXT_KEY"] = end + 1
		}
		var value any = values
		if len(values) == 1 {
			value = values[0]
		}
		body["STATISTICAL_DATA"] = map[string]any{
			"RESULT_INF": inf,
			"DATA_INF":   map[string]any{"VALUE": value},
		}
	}
	body["RESULT"] = result

	s.logger.Debug("served getStatsData",
		zap.String("dataset_id", id),
		zap.Int("start", start),
		zap.Int("limit", limit),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"GET_STATS_DATA": body})
}
