package serve

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/testutil"
)

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	art := testutil.TinyArtifact(t, filepath.Join(t.TempDir(), "tiny"))
	s, err := New(art, nil)
	require.NoError(t, err)
	return s.Handler()
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestClassify(t *testing.T) {
	e := newTestEcho(t)

	rec := doJSON(t, e, http.MethodPost, "/v1/classify", `{"text":"good good bad","texts":["bad","bad good bad"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "test/tiny", resp.Model)
	require.Len(t, resp.Predictions, 3)
	assert.Equal(t, "POSITIVE", resp.Predictions[0].Label)
	assert.Equal(t, "NEGATIVE", resp.Predictions[1].Label)
	assert.Equal(t, 1, resp.Predictions[1].ID)
	assert.Equal(t, "NEGATIVE", resp.Predictions[2].Label)
	for _, p := range resp.Predictions {
		assert.Greater(t, p.Score, float32(0.5))
	}
}

func TestClassifyRejectsBadRequests(t *testing.T) {
	e := newTestEcho(t)
	tooMany := `{"texts":[` + strings.Repeat(`"good",`, MaxBatch) + `"bad"]}`

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"texts":`, "invalid JSON"},
		{"empty", `{}`, "required"},
		{"too many", tooMany, "at most"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/classify", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestModelInfo(t *testing.T) {
	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var info ModelInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "test/tiny", info.Name)
	assert.Equal(t, artifact.PrecisionFloat32, info.Precision)
	assert.Equal(t, map[string]string{"0": "POSITIVE", "1": "NEGATIVE"}, info.Labels)
	assert.NotEmpty(t, info.PreprocessorFingerprint)
	assert.Positive(t, info.ModelSize)

	rec = doJSON(t, e, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, e, http.MethodGet, "/v1/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConcurrentRequestsShareOneRuntime(t *testing.T) {
	e := newTestEcho(t)

	var wg sync.WaitGroup
	codes := make([]int, 32)
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := `{"texts":["good","bad","good bad good"]}`
			codes[i] = doJSON(t, e, http.MethodPost, "/v1/classify", body).Code
		}()
	}
	wg.Wait()
	for _, c := range codes {
		assert.Equal(t, http.StatusOK, c)
	}
}
