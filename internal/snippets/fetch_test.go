package snippets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metorial/sentinel-runner/internal/config"
	"github.com/metorial/sentinel-runner/internal/models"
)

type fakeRunner struct {
	mu          sync.Mutex
	scripts     []models.ExecutionRequest
	result      func(req models.ExecutionRequest) (models.ExecutionResult, error)
	description string
	describeErr error
}

func (r *fakeRunner) Run(_ context.Context, req models.ExecutionRequest) (models.ExecutionResult, error) {
	r.mu.Lock()
	r.scripts = append(r.scripts, req)
	r.mu.Unlock()
	return r.result(req)
}

func (r *fakeRunner) DescribeCollector(context.Context, string, string) (string, error) {
	return r.description, r.describeErr
}

func complete(out string) func(models.ExecutionRequest) (models.ExecutionResult, error) {
	return func(req models.ExecutionRequest) (models.ExecutionResult, error) {
		return models.ExecutionResult{RequestID: "r-1", Status: models.StatusComplete, RawOutput: out}, nil
	}
}

func newTestFetcher(t *testing.T, runner Runner) *RemoteFetcher {
	t.Helper()
	f, err := NewRemoteFetcher(runner, Target{PortalID: "acme", CollectorID: "7"}, models.LanguageGroovy,
		config.DefaultCatalogScript, config.DefaultSourceScript, nil)
	require.NoError(t, err)
	f.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return f
}

func TestFetchCatalog(t *testing.T) {
	runner := &fakeRunner{
		result:      complete("loading...\n[{\"name\":\"lm.emit\",\"version\":\"1.3.0\"}]\n"),
		description: "collector-7 linux/amd64",
	}
	f := newTestFetcher(t, runner)

	cat, err := f.FetchCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, cat.Snippets, 1)
	require.Equal(t, "acme", cat.Meta.FetchedFromPortal)
	require.Equal(t, "7", cat.Meta.FetchedFromCollector)
	require.Equal(t, "collector-7 linux/amd64", cat.Meta.CollectorDescription)
	require.Equal(t, f.now(), cat.Meta.FetchedAt)

	require.Len(t, runner.scripts, 1)
	req := runner.scripts[0]
	require.Equal(t, models.LanguageGroovy, req.Language)
	require.Equal(t, models.ModeFreeform, req.Mode)
	require.Equal(t, config.DefaultCatalogScript, req.ScriptBody)
}

func TestFetchCatalogDescribeFailureIsNotFatal(t *testing.T) {
	runner := &fakeRunner{
		result:      complete(`[{"name":"lm.emit","version":"1.3.0"}]`),
		describeErr: errors.New("unavailable"),
	}
	f := newTestFetcher(t, runner)

	cat, err := f.FetchCatalog(context.Background())
	require.NoError(t, err)
	require.Empty(t, cat.Meta.CollectorDescription)
}

func TestFetchCatalogParseError(t *testing.T) {
	f := newTestFetcher(t, &fakeRunner{result: complete("groovy.lang.MissingPropertyException")})

	_, err := f.FetchCatalog(context.Background())
	var perr *models.ParseError
	require.ErrorAs(t, err, &perr)
}

func TestFetchCatalogRemoteFailure(t *testing.T) {
	f := newTestFetcher(t, &fakeRunner{result: func(req models.ExecutionRequest) (models.ExecutionResult, error) {
		return models.ExecutionResult{Status: models.StatusError, ErrorMessage: "script exploded"}, nil
	}})

	_, err := f.FetchCatalog(context.Background())
	var rerr *models.RemoteExecutionError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "script exploded", rerr.Message)
}

func TestFetchCatalogTimeout(t *testing.T) {
	f := newTestFetcher(t, &fakeRunner{result: func(req models.ExecutionRequest) (models.ExecutionResult, error) {
		return models.ExecutionResult{Status: models.StatusTimeout, ErrorMessage: "no terminal state"}, nil
	}})

	_, err := f.FetchCatalog(context.Background())
	require.ErrorContains(t, err, "did not finish")
}

func TestFetchCatalogNotFoundPropagates(t *testing.T) {
	f := newTestFetcher(t, &fakeRunner{result: func(req models.ExecutionRequest) (models.ExecutionResult, error) {
		return models.ExecutionResult{}, models.ErrNotFound
	}})

	_, err := f.FetchCatalog(context.Background())
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestFetchSourceRendersScript(t *testing.T) {
	runner := &fakeRunner{result: complete("def emit() {}\n\n")}
	f := newTestFetcher(t, runner)

	src, err := f.FetchSource(context.Background(), "lm.emit", "1.3.0")
	require.NoError(t, err)
	require.Equal(t, models.SnippetSource{
		Name:      "lm.emit",
		Version:   "1.3.0",
		Code:      "def emit() {}",
		FetchedAt: f.now(),
	}, src)

	require.Contains(t, runner.scripts[0].ScriptBody, "lm.emit")
	require.Contains(t, runner.scripts[0].ScriptBody, "1.3.0")
}

func TestNewRemoteFetcherRejectsBadInput(t *testing.T) {
	_, err := NewRemoteFetcher(&fakeRunner{}, Target{}, models.Language("python"), "x", "y", nil)
	require.Error(t, err)

	_, err = NewRemoteFetcher(&fakeRunner{}, Target{}, models.LanguageGroovy, "x", "{{.Name", nil)
	require.Error(t, err)
}

func TestFetcherWithCache(t *testing.T) {
	runner := &fakeRunner{result: complete(`[{"name":"lm.emit","version":"1.3.0","description":"emit"}]`)}
	f := newTestFetcher(t, runner)
	c := NewCache(newMemStorage(), nil)

	cat, err := c.RefreshCatalog(context.Background(), f.FetchCatalog)
	require.NoError(t, err)
	require.Equal(t, "emit", cat.Snippets[0].Description)

	stored, err := c.Catalog()
	require.NoError(t, err)
	require.Equal(t, cat, *stored)
}
