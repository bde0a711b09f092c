package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beflow/beflow/internal/cache"
	"github.com/beflow/beflow/internal/config"
	"github.com/beflow/beflow/internal/coordinator"
	internal_http "github.com/beflow/beflow/internal/http"
	internal_queue "github.com/beflow/beflow/internal/queue"
	"github.com/beflow/beflow/pkg/models"
	"github.com/beflow/beflow/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := storage.NewMockStore()
	settings := config.Default()

	q, err := internal_queue.NewEmbedded(store, settings.RetryLimits(), logger{})
	require.NoError(t, err)
	manager := cache.NewManager(store, logger{})
	manager.Start()

	svc := coordinator.NewService(store, q, manager, settings, logger{})

	server := internal_http.NewServer("127.0.0.1:0", svc, settings.RequestTimeout, logger{})
	ts := httptest.NewServer(server.Router(settings.RequestTimeout))
	t.Cleanup(func() {
		ts.Close()
		manager.Stop()
		_ = q.Close()
	})
	return ts
}

func submitBody(smiles string) []byte {
	workflow := map[string]interface{}{
		"smiles":              smiles,
		"initial_force_field": "openff-2.0.0.offxml",
		"fragmenter":          map[string]interface{}{"scheme": "wbo"},
		"qc_spec": map[string]interface{}{
			"method":           "B3LYP-D3BJ",
			"basis":            "DZVP",
			"program":          "psi4",
			"calculation_kind": "torsiondrive1d",
		},
		"optimizer": map[string]interface{}{"engine": "forcebalance"},
		"targets":   []map[string]interface{}{{"kind": "torsion-profile", "weight": 1.0}},
	}
	raw, _ := json.Marshal(map[string]interface{}{"workflows": []interface{}{workflow}})
	return raw
}

func decodeError(t *testing.T, body io.Reader) *models.ErrorDocument {
	t.Helper()
	var envelope struct {
		Error *models.ErrorDocument `json:"error"`
	}
	require.NoError(t, json.NewDecoder(body).Decode(&envelope))
	require.NotNil(t, envelope.Error)
	return envelope.Error
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		OK      bool   `json:"ok"`
		Version string `json:"version"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.True(t, health.OK)
	assert.NotEmpty(t, health.Version)
}

func TestSubmitAndGet(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/submissions", "application/json", bytes.NewReader(submitBody("CC")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created struct {
		Submissions []struct {
			ID   int64  `json:"id"`
			Self string `json:"self"`
		} `json:"submissions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Len(t, created.Submissions, 1)
	assert.Equal(t, int64(1), created.Submissions[0].ID)
	assert.Equal(t, "/submissions/1", created.Submissions[0].Self)

	getResp, err := http.Get(ts.URL + "/submissions/1")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var view struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
		Stages []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
			Tasks  []struct {
				ID          string `json:"id"`
				Fingerprint string `json:"fingerprint"`
				Status      string `json:"status"`
			} `json:"tasks"`
		} `json:"stages"`
	}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&view))
	assert.Equal(t, int64(1), view.ID)
	require.Len(t, view.Stages, 3)
	assert.Equal(t, "fragmentation", view.Stages[0].Name)
	assert.Equal(t, "qc-generation", view.Stages[1].Name)
	assert.Equal(t, "optimization", view.Stages[2].Name)
}

func TestSubmitInvalidSchema(t *testing.T) {
	ts := newTestServer(t)

	t.Run("MalformedJSON", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/submissions", "application/json", bytes.NewReader([]byte("{")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, models.InvalidSchemaError, decodeError(t, resp.Body).Code)
	})

	t.Run("FailsValidation", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/submissions", "application/json", bytes.NewReader(submitBody("")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, models.InvalidSchemaError, decodeError(t, resp.Body).Code)
	})

	t.Run("NoWorkflows", func(t *testing.T) {
		raw, _ := json.Marshal(map[string]interface{}{"workflows": []interface{}{}})
		resp, err := http.Post(ts.URL+"/submissions", "application/json", bytes.NewReader(raw))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetUnknownSubmission(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/submissions/999", "/submissions/abc"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, models.NotFoundError, decodeError(t, resp.Body).Code)
		resp.Body.Close()
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/submissions", "application/json", bytes.NewReader(submitBody("CC")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	del := func() int {
		request, err := http.NewRequest(http.MethodDelete, ts.URL+"/submissions/1", nil)
		require.NoError(t, err)
		response, err := http.DefaultClient.Do(request)
		require.NoError(t, err)
		response.Body.Close()
		return response.StatusCode
	}

	assert.Equal(t, http.StatusNoContent, del())

	// The submission settles into cancelled.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		getResp, err := http.Get(ts.URL + "/submissions/1")
		require.NoError(t, err)
		var view struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.NewDecoder(getResp.Body).Decode(&view))
		getResp.Body.Close()
		if view.Status == "cancelled" {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}

	// Repeating the DELETE is a no-op with the same response.
	assert.Equal(t, http.StatusNoContent, del())

	getResp, err := http.Get(ts.URL + "/submissions/1")
	require.NoError(t, err)
	defer getResp.Body.Close()
	var view struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&view))
	assert.Equal(t, "cancelled", view.Status)
}

func TestCancelUnknownSubmission(t *testing.T) {
	ts := newTestServer(t)

	request, err := http.NewRequest(http.MethodDelete, ts.URL+"/submissions/41", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSubmissions(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp, err := http.Post(ts.URL+"/submissions", "application/json", bytes.NewReader(submitBody(fmt.Sprintf("C%d", i))))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	t.Run("InvalidStatusFilter", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/submissions?status=bogus")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, models.InvalidFilterError, decodeError(t, resp.Body).Code)
	})

	t.Run("Paged", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/submissions?limit=2")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var page struct {
			Items []struct {
				ID int64 `json:"id"`
			} `json:"items"`
			Next string `json:"next"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
		assert.Len(t, page.Items, 2)
		require.NotEmpty(t, page.Next)

		second, err := http.Get(ts.URL + "/submissions?limit=2&cursor=" + page.Next)
		require.NoError(t, err)
		defer second.Body.Close()
		var rest struct {
			Items []struct {
				ID int64 `json:"id"`
			} `json:"items"`
			Next string `json:"next"`
		}
		require.NoError(t, json.NewDecoder(second.Body).Decode(&rest))
		assert.Len(t, rest.Items, 1)
		assert.Empty(t, rest.Next)
	})
}
