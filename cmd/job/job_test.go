package job

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, h http.HandlerFunc, args ...string) string {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	out := &bytes.Buffer{}
	Cmd.SetOut(out)
	Cmd.SetErr(out)
	Cmd.SetArgs(append(args, "--server", ts.URL))
	require.NoError(t, Cmd.Execute())
	return out.String()
}

func TestHistoryPrintsTable(t *testing.T) {
	out := run(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/jobs", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"executions":[{"id":"5c1d8f3a-8a07-4a3b-9c55-2f1f0f6b4d11","label":"spring","status":"completed","started_at":"2026-04-01T10:00:00Z"}],"total":7}`))
	}, "history", "--limit", "5")

	assert.Contains(t, out, "spring")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "1 of 7")
}

func TestRerunSendsLiveFlag(t *testing.T) {
	out := run(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/jobs/rerun", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"items":[{"id":"9b2f0c1e-0000-4000-8000-000000000001","label":"spring (Rerun 000001)","state":"queued","position":1}]}`))
	}, "rerun", "5c1d8f3a-8a07-4a3b-9c55-2f1f0f6b4d11", "--live")

	assert.Contains(t, out, "spring (Rerun 000001)")
	assert.Contains(t, out, "position=1")
}

func TestRerunRejectsBadID(t *testing.T) {
	Cmd.SetArgs([]string{"rerun", "not-a-uuid"})
	Cmd.SetOut(&bytes.Buffer{})
	Cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, Cmd.Execute())
}
