package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/lexsub/internal/aggregate"
	"github.com/hyperjump/lexsub/internal/config"
	"github.com/hyperjump/lexsub/internal/embedding"
	"github.com/hyperjump/lexsub/internal/models"
	"github.com/hyperjump/lexsub/internal/pipeline"
	"github.com/hyperjump/lexsub/internal/ranking"
	"github.com/hyperjump/lexsub/internal/storage"
	"github.com/hyperjump/lexsub/internal/vocab"
)

type testEnv struct {
	srv   *Server
	store *storage.SQLiteStorage
	h     http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	table := embedding.NewTable(2)
	for _, r := range []struct {
		word string
		cat  models.Category
		vec  []float32
	}{
		{"chien", "N", []float32{0.9, 0.1}},
		{"table", "N", []float32{0, 1}},
		{"souris", "N", []float32{0.6, 0.4}},
		{"dort", "V", []float32{0.5, 0.5}},
	} {
		if _, err := table.Put(r.word, r.cat, r.vec); err != nil {
			t.Fatal(err)
		}
	}
	if err := embedding.NormalizeAll(table); err != nil {
		t.Fatal(err)
	}
	ranker, err := ranking.NewRanker(table, nil)
	if err != nil {
		t.Fatal(err)
	}
	driver, err := pipeline.NewDriver(table, ranker, aggregate.New(), pipeline.WithTopK(3))
	if err != nil {
		t.Fatal(err)
	}
	idx, err := vocab.NewIndex(table, nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		_ = idx.Close()
	})
	cfg := config.Default()
	cfg.Storage.DatabasePath = filepath.Join(dir, "runs.db")
	srv := NewServer(driver, table, idx, store, cfg, zap.NewNop())
	return &testEnv{srv: srv, store: store, h: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = httptest.NewRequest(method, target, bytes.NewReader(data))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleSubstitutes_Line(t *testing.T) {
	env := newTestEnv(t)
	req := map[string]string{"line": "s1 chat N 2 1/N/chien 2/N/*chat 3/V/dort"}

	w := env.do(t, http.MethodPost, "/api/v1/substitutes", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out substituteResponse
	decode(t, w, &out)
	if out.Cached {
		t.Error("first response should not be cached")
	}
	var words []string
	for _, c := range out.Result.Candidates {
		words = append(words, c.Word)
	}
	want := []string{"souris", "chien", "table"}
	if len(words) != len(want) {
		t.Fatalf("candidates = %v, want %v", words, want)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Errorf("candidates = %v, want %v", words, want)
			break
		}
	}
	if out.Result.Key.SentenceID != "s1" || out.Result.Key.TargetWord != "chat" {
		t.Errorf("key = %+v", out.Result.Key)
	}

	w = env.do(t, http.MethodPost, "/api/v1/substitutes", req)
	var again substituteResponse
	decode(t, w, &again)
	if !again.Cached {
		t.Error("second identical request should be served from cache")
	}
}

func TestHandleSubstitutes_Instance(t *testing.T) {
	env := newTestEnv(t)
	req := map[string]interface{}{
		"instance": models.Instance{
			SentenceID:     "s9",
			TargetWord:     "CHAT",
			TargetCategory: "n",
			TargetPosition: 1,
			Context: []models.ContextToken{
				{Word: "Chat", Category: "N"},
				{Word: "Dort", Category: "V"},
			},
		},
	}
	w := env.do(t, http.MethodPost, "/api/v1/substitutes", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out substituteResponse
	decode(t, w, &out)
	if out.Result.InstanceID != "1" || out.Result.Key.TargetWord != "chat" {
		t.Errorf("result = %+v", out.Result)
	}
	if len(out.Result.Candidates) != 3 {
		t.Errorf("candidates = %+v", out.Result.Candidates)
	}
}

func TestHandleSubstitutes_Errors(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"empty", map[string]string{}, http.StatusBadRequest},
		{"malformed line", map[string]string{"line": "s1 chat N"}, http.StatusBadRequest},
		{"no overlap", map[string]string{"line": "s2 chat N 1 1/N/*chat 2/N/zzz"}, http.StatusUnprocessableEntity},
		{"bad position", map[string]interface{}{"instance": models.Instance{
			SentenceID: "s3", TargetWord: "chat", TargetCategory: "N", TargetPosition: 4,
			Context: []models.ContextToken{{Word: "chat", Category: "N"}},
		}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/substitutes", tt.body)
			if w.Code != tt.want {
				t.Errorf("status: got %d, want %d, body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	r := httptest.NewRequest(http.MethodPost, "/api/v1/substitutes", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid json: got %d", w.Code)
	}
}

func TestHandleVocabulary(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/vocabulary?q=Chien", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out vocabularyResponse
	decode(t, w, &out)
	if len(out.Matches) != 1 || out.Matches[0].Word != "chien" {
		t.Errorf("matches = %+v", out.Matches)
	}

	w = env.do(t, http.MethodGet, "/api/v1/vocabulary?q=chein&fuzzy=true&category=N", nil)
	out = vocabularyResponse{}
	decode(t, w, &out)
	if len(out.Matches) == 0 || out.Matches[0].Word != "chien" {
		t.Errorf("fuzzy matches = %+v", out.Matches)
	}

	for _, target := range []string{
		"/api/v1/vocabulary",
		"/api/v1/vocabulary?q=chien&limit=x",
		"/api/v1/vocabulary?q=chien&fuzzy=maybe",
	} {
		if w := env.do(t, http.MethodGet, target, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", target, w.Code)
		}
	}
}

func TestHandleRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	report := models.NewReport()
	report.Put(models.RankedList{
		Key:        models.ResultKey{TargetWord: "chat", TargetCategory: "N", SentenceID: "s1"},
		InstanceID: "1",
		Candidates: []models.Candidate{{Word: "chien", Category: "N", Score: 0.9}},
	})
	report.Stats = models.RunStats{Instances: 1, Succeeded: 1}
	id, err := env.store.SaveReport(ctx, report, &models.RunInfo{Source: "embedding", TopK: 3, InputsID: "inputs:x"})
	if err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/runs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: got %d", w.Code)
	}
	var list struct {
		Runs  []models.RunInfo `json:"runs"`
		Total int64            `json:"total"`
	}
	decode(t, w, &list)
	if list.Total != 1 || len(list.Runs) != 1 || list.Runs[0].ID != id {
		t.Errorf("list = %+v", list)
	}

	w = env.do(t, http.MethodGet, "/api/v1/runs/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: got %d", w.Code)
	}
	var got struct {
		Run    models.RunInfo `json:"run"`
		Report struct {
			Results []models.RankedList `json:"results"`
		} `json:"report"`
	}
	decode(t, w, &got)
	if got.Run.ID != id || len(got.Report.Results) != 1 || got.Report.Results[0].Candidates[0].Word != "chien" {
		t.Errorf("get = %+v", got)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/runs/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown run: got %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/runs?limit=0", nil); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0: got %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/runs/"+id, nil); w.Code != http.StatusOK {
		t.Errorf("delete: got %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/runs/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: got %d, want 404", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Table struct {
			Words      int                       `json:"words"`
			Dimensions int                       `json:"dimensions"`
			Normalized bool                      `json:"normalized"`
			Categories []embedding.CategoryCount `json:"categories"`
		} `json:"table"`
		TopK int   `json:"top_k"`
		Runs int64 `json:"runs"`
	}
	decode(t, w, &out)
	if out.Table.Words != 4 || out.Table.Dimensions != 2 || !out.Table.Normalized {
		t.Errorf("table = %+v", out.Table)
	}
	if len(out.Table.Categories) != 2 || out.TopK != 3 || out.Runs != 0 {
		t.Errorf("status = %+v", out)
	}
}

func TestServer_NoStorage(t *testing.T) {
	env := newTestEnv(t)
	st := env.srv.acquire()
	st.release()
	srv := NewServer(st.driver, st.table, nil, nil, config.Default(), nil)
	h := srv.Handler()
	for _, target := range []string{"/api/v1/runs", "/api/v1/vocabulary?q=chien"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != http.StatusNotImplemented {
			t.Errorf("%s: got %d, want 501", target, w.Code)
		}
	}
}

func TestServer_SwapFlushesCache(t *testing.T) {
	env := newTestEnv(t)
	req := map[string]string{"line": "s1 chat N 2 1/N/chien 2/N/*chat 3/V/dort"}
	env.do(t, http.MethodPost, "/api/v1/substitutes", req)
	if env.srv.cache.ItemCount() != 1 {
		t.Fatalf("cache items = %d", env.srv.cache.ItemCount())
	}
	st := env.srv.acquire()
	st.release()
	env.srv.Swap(st.driver, st.table, st.vocab)
	if env.srv.cache.ItemCount() != 0 {
		t.Errorf("cache not flushed: %d items", env.srv.cache.ItemCount())
	}
}

func TestServer_SwapIgnoresListsCachedByOlderGeneration(t *testing.T) {
	env := newTestEnv(t)
	line := "s1 chat N 2 1/N/chien 2/N/*chat 3/V/dort"
	inst, err := requestInstance(&substituteRequest{Line: line})
	if err != nil {
		t.Fatal(err)
	}

	// a request that started before the swap and finishes after it
	old := env.srv.acquire()
	st := env.srv.acquire()
	st.release()
	env.srv.Swap(st.driver, st.table, st.vocab)
	stale := models.RankedList{Key: inst.Key(), InstanceID: inst.InstanceID,
		Candidates: []models.Candidate{{Word: "stale", Category: "N", Score: 1}}}
	env.srv.cache.SetDefault(substituteCacheKey(old.gen, inst), stale)
	old.release()

	w := env.do(t, http.MethodPost, "/api/v1/substitutes", map[string]string{"line": line})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out substituteResponse
	decode(t, w, &out)
	if out.Cached {
		t.Error("list cached by the previous generation was served")
	}
	if len(out.Result.Candidates) == 0 || out.Result.Candidates[0].Word != "souris" {
		t.Errorf("candidates = %+v", out.Result.Candidates)
	}
}

func TestServer_SwapClosesOldIndexAfterRelease(t *testing.T) {
	env := newTestEnv(t)
	old := env.srv.acquire()

	idx, err := vocab.NewIndex(old.table, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	env.srv.Swap(old.driver, old.table, idx)

	select {
	case <-old.retired:
		t.Fatal("old generation retired while a request still holds it")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := old.vocab.Search(context.Background(), "chien", 1, nil); err != nil {
		t.Errorf("old index unusable before release: %v", err)
	}

	old.release()
	select {
	case <-old.retired:
	case <-time.After(2 * time.Second):
		t.Fatal("old generation not retired after release")
	}
	cur := env.srv.acquire()
	cur.release()
	if cur.gen != old.gen+1 {
		t.Error("generation not advanced")
	}
}

func TestHandleSubstitutes_TrimAndSentence(t *testing.T) {
	env := newTestEnv(t)
	line := "s1 chat N 2 1/N/chien 2/N/*chat 3/V/dort"

	w := env.do(t, http.MethodPost, "/api/v1/substitutes", map[string]interface{}{"line": line, "k": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out substituteResponse
	decode(t, w, &out)
	if len(out.Result.Candidates) != 1 || out.Result.Candidates[0].Word != "souris" {
		t.Errorf("k=1 candidates = %+v", out.Result.Candidates)
	}
	if out.Sentence != "chien [chat] dort" {
		t.Errorf("sentence = %q", out.Sentence)
	}

	// the cached list is still complete
	w = env.do(t, http.MethodPost, "/api/v1/substitutes", map[string]interface{}{"line": line, "min_score": 0.5})
	out = substituteResponse{}
	decode(t, w, &out)
	if !out.Cached {
		t.Error("expected cached response")
	}
	for _, c := range out.Result.Candidates {
		if c.Score < 0.5 {
			t.Errorf("candidate %q below min_score: %v", c.Word, c.Score)
		}
	}
	if len(out.Result.Candidates) != 2 {
		t.Errorf("min_score candidates = %+v", out.Result.Candidates)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/substitutes", map[string]interface{}{"line": line, "k": -1}); w.Code != http.StatusBadRequest {
		t.Errorf("k=-1: got %d, want 400", w.Code)
	}
}
