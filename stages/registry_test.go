package stages

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/analystflow/config"
	"github.com/BaSui01/analystflow/types"
	"github.com/BaSui01/analystflow/workflow"
)

func stringsReader(s string) io.Reader { return strings.NewReader(s) }

func TestNewStageSet_PartialConfiguration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"output": map[string]any{"query": "q"}})
	}))
	defer srv.Close()

	cfg := config.DefaultStagesConfig()
	cfg.RetrievalURL = srv.URL

	set, err := NewStageSet(cfg)
	require.NoError(t, err)
	require.Len(t, set, len(workflow.StageOrder))
	assert.Equal(t, []workflow.StageName{workflow.StageRetrieval}, Configured(set))

	retrieval, ok := set[workflow.StageRetrieval].(*HTTPStage)
	require.True(t, ok)
	assert.Equal(t, srv.URL, retrieval.Endpoint())
	require.NotNil(t, retrieval.Breaker())
	assert.NotNil(t, retrieval.limiter)

	out, err := set[workflow.StageRetrieval].Run(context.Background(), newsInput())
	require.NoError(t, err)
	assert.Equal(t, workflow.StageRetrieval, out.Output.Stage())

	_, err = set[workflow.StageNews].Run(context.Background(), newsInput())
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrStageNotConfigured))
}

func TestNewStageSet_RunsOnlyConfiguredStages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"output": map[string]any{"query": "apple"}})
	}))
	defer srv.Close()

	cfg := config.DefaultStagesConfig()
	cfg.RetrievalURL = srv.URL
	set, err := NewStageSet(cfg)
	require.NoError(t, err)

	orch := workflow.NewOrchestrator(set, nil, nil, workflow.DefaultConfig(), nil)
	resp, err := orch.Run(context.Background(), workflow.Request{
		Query:      "apple",
		Ticker:     "AAPL",
		OnlyStages: []workflow.StageName{workflow.StageRetrieval},
		Ephemeral:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowPartial, resp.Status)
	require.NotNil(t, resp.Retrieval)
	assert.Equal(t, workflow.StepCompleted, resp.Retrieval.Status)
}

func TestNewStageSet_BadCAFile(t *testing.T) {
	cfg := config.DefaultStagesConfig()
	cfg.CAFile = "/nonexistent/ca.pem"
	_, err := NewStageSet(cfg)
	assert.Error(t, err)
}

func TestNewStageSet_InvalidURL(t *testing.T) {
	cfg := config.DefaultStagesConfig()
	cfg.NewsURL = "not-a-url"
	_, err := NewStageSet(cfg)
	assert.Error(t, err)
}

func TestNewHTTPClient_UsesRequestTimeout(t *testing.T) {
	cfg := config.DefaultStagesConfig()
	cfg.RequestTimeout = 7 * time.Second
	client, err := NewHTTPClient(cfg)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, client.Timeout)
}
