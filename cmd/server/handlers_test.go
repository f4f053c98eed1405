package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/poalegal"
	"github.com/brunobiangulo/poalegal/retrieval"
)

type fakeEngine struct {
	ingested []string
	lawIDs   []string
	verdicts map[string]string
	stored   map[string]*retrieval.StorableArtifact
	noStore  bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		verdicts: map[string]string{},
		stored: map[string]*retrieval.StorableArtifact{
			"a1": {ArtifactID: "a1", CaseID: "case-1", StopReason: retrieval.StopCoverageThresholdMet},
		},
	}
}

func (f *fakeEngine) Ingest(_ context.Context, path string, opts ...poalegal.IngestOption) (*poalegal.IngestResult, error) {
	if filepath.Ext(path) == ".docx" {
		return nil, fmt.Errorf("%w: docx", poalegal.ErrUnsupportedFormat)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f.ingested = append(f.ingested, string(data))
	return &poalegal.IngestResult{LawID: "civil", Articles: 3, Upserted: 3, Embedded: 3}, nil
}

func (f *fakeEngine) Retrieve(_ context.Context, req poalegal.RetrieveRequest) (*poalegal.RetrieveResult, error) {
	if len(req.Issues) == 0 {
		return nil, fmt.Errorf("%w: no issues", poalegal.ErrInvalidIssues)
	}
	return &poalegal.RetrieveResult{
		Articles: []*retrieval.ArticleResult{
			{ArticleNumber: 716, TextArabic: "الوكالة عقد", Similarity: 0.82, FoundByQuery: "issue_1_hyde_0", FoundInIteration: 1},
		},
		Artifact: &retrieval.EvalArtifact{
			ArtifactID:      "a2",
			CaseID:          req.CaseID,
			StopReason:      retrieval.StopMaxIterations,
			TotalIterations: 3,
			CoverageScore:   0.5,
		},
	}, nil
}

func (f *fakeEngine) Artifact(_ context.Context, id string) (*retrieval.StorableArtifact, error) {
	if f.noStore {
		return nil, poalegal.ErrArtifactsUnavailable
	}
	a, ok := f.stored[id]
	if !ok {
		return nil, poalegal.ErrArtifactNotFound
	}
	return a, nil
}

func (f *fakeEngine) RecordVerdict(_ context.Context, id, verdict string, confidence float64) error {
	if verdict == "" || confidence < 0 || confidence > 1 {
		return poalegal.ErrInvalidConfig
	}
	if _, ok := f.stored[id]; !ok {
		return poalegal.ErrArtifactNotFound
	}
	f.verdicts[id] = verdict
	return nil
}

func (f *fakeEngine) Areas() *retrieval.LegalAreas {
	return &retrieval.LegalAreas{Areas: map[string]retrieval.LegalArea{
		"poa_scope": {ID: "poa_scope", NameEN: "POA scope"},
	}}
}

func (f *fakeEngine) Close() error { return nil }

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRetrieve(t *testing.T) {
	srv := newServer(newHandler(newFakeEngine()), "", "")

	rec := do(t, srv, http.MethodPost, "/retrieve", map[string]any{
		"case_id":          "case-9",
		"include_artifact": true,
		"issues": []map[string]any{{
			"issue_id":         "issue_1",
			"category":         "poa_scope",
			"primary_question": "هل تشمل الوكالة البيع؟",
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "a2", out["artifact_id"])
	assert.Equal(t, "max_iterations_reached", out["stop_reason"])
	assert.Len(t, out["articles"], 1)
	assert.Contains(t, out, "artifact")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRetrieve_BadRequests(t *testing.T) {
	srv := newServer(newHandler(newFakeEngine()), "", "")

	tests := []struct {
		name string
		body any
	}{
		{"missing case id", map[string]any{"issues": []any{}}},
		{"no issues", map[string]any{"case_id": "c"}},
		{"not json", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/retrieve", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode(t, rec), "error")
		})
	}
}

func TestIngest_JSONPath(t *testing.T) {
	fe := newFakeEngine()
	srv := newServer(newHandler(fe), "", "")
	path := filepath.Join(t.TempDir(), "civil.txt")
	require.NoError(t, os.WriteFile(path, []byte("المادة (1): نص"), 0o644))

	rec := do(t, srv, http.MethodPost, "/ingest", map[string]any{"path": path, "law_id": "civil"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "civil.txt", decode(t, rec)["filename"])

	rec = do(t, srv, http.MethodPost, "/ingest", map[string]any{"path": filepath.Dir(path)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	docx := filepath.Join(t.TempDir(), "civil.docx")
	require.NoError(t, os.WriteFile(docx, []byte("x"), 0o644))
	rec = do(t, srv, http.MethodPost, "/ingest", map[string]any{"path": docx})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestIngest_Multipart(t *testing.T) {
	fe := newFakeEngine()
	srv := newServer(newHandler(fe), "", "")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "../../civil.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("المادة (1): نص"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("law_id", "civil"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/ingest", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "civil.txt", decode(t, rec)["filename"])
	assert.Equal(t, []string{"المادة (1): نص"}, fe.ingested)
}

func TestArtifacts(t *testing.T) {
	fe := newFakeEngine()
	srv := newServer(newHandler(fe), "", "")

	rec := do(t, srv, http.MethodGet, "/artifacts/a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "case-1", decode(t, rec)["case_id"])

	rec = do(t, srv, http.MethodGet, "/artifacts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodPost, "/artifacts/a1/verdict", map[string]any{"verdict": "valid", "confidence": 0.9})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "valid", fe.verdicts["a1"])

	rec = do(t, srv, http.MethodPost, "/artifacts/a1/verdict", map[string]any{"verdict": "valid", "confidence": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/artifacts/nope/verdict", map[string]any{"verdict": "valid", "confidence": 0.5})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	fe.noStore = true
	rec = do(t, srv, http.MethodGet, "/artifacts/a1", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestAreasAndHealth(t *testing.T) {
	srv := newServer(newHandler(newFakeEngine()), "", "")

	rec := do(t, srv, http.MethodGet, "/areas", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec)["legal_areas"], "poa_scope")

	rec = do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	srv := newServer(newHandler(newFakeEngine()), "s3cret", "")

	rec := do(t, srv, http.MethodGet, "/areas", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/areas", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	ok := httptest.NewRecorder()
	srv.ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestCORSMiddleware(t *testing.T) {
	srv := newServer(newHandler(newFakeEngine()), "", "https://app.example, https://ops.example")

	req := httptest.NewRequest(http.MethodOptions, "/retrieve", nil)
	req.Header.Set("Origin", "https://ops.example")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
