package snippets

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/metorial/sentinel-runner/internal/log"
	"github.com/metorial/sentinel-runner/internal/models"
)

// Runner executes a script to completion. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error)
	DescribeCollector(ctx context.Context, portalID, collectorID string) (string, error)
}

// Target names the portal and collector that answer catalog and source requests.
type Target struct {
	PortalID    string
	CollectorID string
}

// RemoteFetcher turns catalog and source lookups into script executions on a collector.
type RemoteFetcher struct {
	runner        Runner
	target        Target
	language      models.Language
	catalogScript string
	sourceScript  *template.Template
	logger        *slog.Logger
	now           func() time.Time
}

func NewRemoteFetcher(runner Runner, target Target, language models.Language, catalogScript, sourceScript string, logger *slog.Logger) (*RemoteFetcher, error) {
	if !language.Valid() {
		return nil, fmt.Errorf("unsupported snippet script language %q", language)
	}
	tmpl, err := template.New("source").Option("missingkey=error").Parse(sourceScript)
	if err != nil {
		return nil, fmt.Errorf("parse source script template: %w", err)
	}
	if logger == nil {
		logger = log.Discard()
	}

	return &RemoteFetcher{
		runner:        runner,
		target:        target,
		language:      language,
		catalogScript: catalogScript,
		sourceScript:  tmpl,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (f *RemoteFetcher) FetchCatalog(ctx context.Context) (models.Catalog, error) {
	out, err := f.run(ctx, f.catalogScript)
	if err != nil {
		return models.Catalog{}, fmt.Errorf("fetch catalog: %w", err)
	}

	descs, err := ParseCatalog(out)
	if err != nil {
		return models.Catalog{}, err
	}

	desc, err := f.runner.DescribeCollector(ctx, f.target.PortalID, f.target.CollectorID)
	if err != nil {
		f.logger.WarnContext(ctx, "describe collector", slog.String("error", err.Error()))
	}

	return models.Catalog{
		Snippets: descs,
		Meta: models.CacheMeta{
			FetchedAt:            f.now(),
			FetchedFromPortal:    f.target.PortalID,
			FetchedFromCollector: f.target.CollectorID,
			CollectorDescription: desc,
		},
	}, nil
}

func (f *RemoteFetcher) FetchSource(ctx context.Context, name, version string) (models.SnippetSource, error) {
	var body bytes.Buffer
	if err := f.sourceScript.Execute(&body, struct{ Name, Version string }{name, version}); err != nil {
		return models.SnippetSource{}, fmt.Errorf("render source script: %w", err)
	}

	out, err := f.run(ctx, body.String())
	if err != nil {
		return models.SnippetSource{}, fmt.Errorf("fetch source %s@%s: %w", name, version, err)
	}

	return models.SnippetSource{
		Name:      name,
		Version:   version,
		Code:      TrimControlLines(ParseSource(out)),
		FetchedAt: f.now(),
	}, nil
}

func (f *RemoteFetcher) run(ctx context.Context, script string) (string, error) {
	res, err := f.runner.Run(ctx, models.ExecutionRequest{
		PortalID:    f.target.PortalID,
		CollectorID: f.target.CollectorID,
		ScriptBody:  script,
		Language:    f.language,
		Mode:        models.ModeFreeform,
	})
	if err != nil {
		return "", err
	}

	switch res.Status {
	case models.StatusComplete:
		return res.RawOutput, nil
	case models.StatusTimeout:
		return "", fmt.Errorf("collector %s did not finish: %s", f.target.CollectorID, res.ErrorMessage)
	case models.StatusCancelled:
		return "", fmt.Errorf("execution %s was cancelled", res.RequestID)
	default:
		return "", &models.RemoteExecutionError{Message: res.ErrorMessage}
	}
}
