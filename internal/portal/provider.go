// Package portal holds per-portal session credentials and reissues them through the
// portal's session endpoint.
package portal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"github.com/metorial/sentinel-runner/internal/config"
	"github.com/metorial/sentinel-runner/internal/log"
	"github.com/metorial/sentinel-runner/internal/models"
)

const refreshTimeout = 30 * time.Second

type sessionRequest struct {
	AccessID  string `json:"accessId"`
	AccessKey string `json:"accessKey"`
}

type sessionResponse struct {
	Token    string `json:"token"`
	IssuedAt int64  `json:"issuedAt"`
}

type Provider struct {
	portals map[string]config.Portal
	client  *resty.Client
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	creds map[string]models.Credential

	refresh singleflight.Group
}

func NewProvider(portals map[string]config.Portal, logger *slog.Logger) *Provider {
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second).
		SetRetryCount(2)
	if logger == nil {
		logger = log.Discard()
	}

	return &Provider{
		portals: portals,
		client:  client,
		logger:  logger,
		now:     time.Now,
		creds:   make(map[string]models.Credential),
	}
}

// Credential returns the stored credential for a portal. A portal that is configured
// but has never been refreshed yields a zero credential, which is always stale.
// Portal ids are matched case-insensitively.
func (p *Provider) Credential(portalID string) (models.Credential, error) {
	portalID = strings.ToLower(portalID)
	if _, ok := p.portals[portalID]; !ok {
		return models.Credential{}, fmt.Errorf("portal %q: %w", portalID, models.ErrNotFound)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	cred, ok := p.creds[portalID]
	if !ok {
		return models.Credential{PortalID: portalID}, nil
	}
	return cred, nil
}

// Refresh reissues the credential. Concurrent calls for one portal share a single
// request and all receive the winning token. The shared request outlives any one
// caller; a caller whose ctx ends stops waiting without failing the others.
func (p *Provider) Refresh(ctx context.Context, portalID string) (models.Credential, error) {
	portalID = strings.ToLower(portalID)
	portal, ok := p.portals[portalID]
	if !ok {
		return models.Credential{}, fmt.Errorf("portal %q: %w", portalID, models.ErrNotFound)
	}

	issueCtx := context.WithoutCancel(ctx)
	ch := p.refresh.DoChan(portalID, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(issueCtx, refreshTimeout)
		defer cancel()

		cred, err := p.issue(ctx, portalID, portal)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.creds[portalID] = cred
		p.mu.Unlock()
		return cred, nil
	})

	select {
	case <-ctx.Done():
		return models.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Credential{}, res.Err
		}
		if !res.Shared {
			p.logger.DebugContext(ctx, "portal session refreshed", slog.String("portal", portalID))
		}
		return res.Val.(models.Credential), nil
	}
}

func (p *Provider) issue(ctx context.Context, portalID string, portal config.Portal) (models.Credential, error) {
	var out sessionResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(sessionRequest{AccessID: portal.AccessID, AccessKey: portal.AccessKey}).
		SetResult(&out).
		Post(portal.URL + "/api/v1/session")
	if err != nil {
		return models.Credential{}, fmt.Errorf("request session for portal %s: %w", portalID, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return models.Credential{}, fmt.Errorf("portal %q: %w", portalID, models.ErrNotFound)
	case resp.StatusCode() != http.StatusOK:
		return models.Credential{}, fmt.Errorf("portal %s rejected session request with code %d: %s",
			portalID, resp.StatusCode(), resp.String())
	case out.Token == "":
		return models.Credential{}, fmt.Errorf("portal %s returned an empty session token", portalID)
	}

	issuedAt := p.now()
	if out.IssuedAt > 0 {
		issuedAt = time.UnixMilli(out.IssuedAt)
	}

	return models.Credential{PortalID: portalID, Token: out.Token, IssuedAt: issuedAt}, nil
}
