package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/image"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	c, err := New(ts.URL, time.Second)
	require.NoError(t, err)
	return c
}

func TestNewRejectsRelativeURL(t *testing.T) {
	_, err := New("localhost", time.Second)
	assert.Error(t, err)
}

func TestStartSendsSettings(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/jobs", r.URL.Path)

		body := map[string]any{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nightly", body["label"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"7f0c1d8e-8a07-4a3b-9c55-2f1f0f6b4d11","label":"nightly","status":"running"}`))
	})

	exec, err := c.Jobs().Start(context.Background(), &config.Settings{Label: "ignored"}, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "nightly", exec.Label)
	assert.Equal(t, "running", string(exec.Status))
}

func TestErrorsCarryMessage(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"a job is already running"}`))
	})

	_, err := c.Jobs().Start(context.Background(), nil, "")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "a job is already running")
}

func TestStopForce(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("force"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"force_stopped"}`))
	})

	exec, err := c.Jobs().Stop(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "force_stopped", string(exec.Status))
}

func TestListImagesQuery(t *testing.T) {
	execID := uuid.New()
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, execID.String(), q.Get("execution_id"))
		assert.Equal(t, "qc_failed,retry_failed", q.Get("status"))
		assert.Equal(t, "10", q.Get("limit"))
		_, _ = w.Write([]byte(`{"images":[{"id":"` + uuid.NewString() + `","qc_status":"qc_failed","label":"QC Failed"}],"total":1}`))
	})

	list, err := c.Images().List(context.Background(), ListOptions{
		ExecutionID: execID,
		Statuses:    []image.Status{image.QCFailed, image.RetryFailed},
		Limit:       10,
	})
	require.NoError(t, err)
	require.Len(t, list.Images, 1)
	assert.Equal(t, "QC Failed", list.Images[0].Label)
}

func TestRetryDefaultsToModifiedWithProcessing(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := RetryRequest{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "modified", body.Settings)
		if assert.NotNil(t, body.Processing) {
			assert.True(t, body.Processing.Trim.Enabled)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"item":{"state":"queued","position":2},"started":false}`))
	})

	admission, err := c.Images().Retry(context.Background(), RetryRequest{
		ImageIDs:   []uuid.UUID{uuid.New()},
		Processing: &config.Processing{Trim: config.Trim{Enabled: true}},
	})
	require.NoError(t, err)
	assert.False(t, admission.Started)
	assert.Equal(t, 2, admission.Item.Position)
}

func TestDeleteNoContent(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	assert.NoError(t, c.Images().Delete(context.Background(), uuid.New()))
}
