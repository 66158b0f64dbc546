// Package github talks to the GitHub API on behalf of the controller: runner
// registration, collaborator lookup and the per-repository config file.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"

	"Skiff/internal/apperrors"
	"Skiff/internal/config"
	"Skiff/internal/metrics"
)

type Client struct {
	gh      *gh.Client
	cfg     config.GitHubConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewClient(cfg config.GitHubConfig, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	client := gh.NewClient(httpClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}

	if cfg.APIURL != "" {
		base := cfg.APIURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid github api url: %w", err)
		}
		client.BaseURL = u
	}

	return &Client{
		gh:      client,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "github"),
	}, nil
}

// ListAdmins returns the logins of collaborators holding the configured
// permission (admin by default) on repo.
func (c *Client) ListAdmins(ctx context.Context, repo string) ([]string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &gh.ListCollaboratorsOptions{
		Permission:  c.cfg.AdminPermission,
		Affiliation: "all",
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var logins []string
	for {
		var users []*gh.User
		var resp *gh.Response
		err := c.observe("list_collaborators", func() (*gh.Response, error) {
			var err error
			users, resp, err = c.gh.Repositories.ListCollaborators(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list collaborators: %w", err)
		}
		for _, u := range users {
			if login := u.GetLogin(); login != "" {
				logins = append(logins, login)
			}
		}
		if resp.NextPage == 0 {
			return logins, nil
		}
		opts.Page = resp.NextPage
	}
}

// RegisterRunner creates a just-in-time runner named name on repo and returns
// its encoded configuration. A 409 means the name is already taken.
func (c *Client) RegisterRunner(ctx context.Context, repo, name string, labels []string) (string, error) {
	owner, repoName, err := splitRepo(repo)
	if err != nil {
		return "", err
	}

	req := &gh.GenerateJITConfigRequest{
		Name:          name,
		RunnerGroupID: c.cfg.RunnerGroupID,
		Labels:        labels,
	}

	var jit *gh.JITRunnerConfig
	var resp *gh.Response
	err = c.observe("generate_jitconfig", func() (*gh.Response, error) {
		var err error
		jit, resp, err = c.gh.Actions.GenerateRepoJITConfig(ctx, owner, repoName, req)
		return resp, err
	})
	if err != nil {
		c.metrics.RunnerRegistrations.WithLabelValues("error").Inc()
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return "", apperrors.RegistrationConflict(name, err)
		}
		return "", fmt.Errorf("failed to register runner %s: %w", name, err)
	}
	c.metrics.RunnerRegistrations.WithLabelValues("success").Inc()

	c.logger.Info("runner registered",
		slog.String("repo", repo),
		slog.String("runner", name),
	)
	return jit.GetEncodedJITConfig(), nil
}

// IsRetryable reports whether a registration attempt that failed with err
// may be repeated under a new name: name conflicts, rate limiting and
// server-side failures. Any other API answer is final.
func IsRetryable(err error) bool {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}

	var respErr *gh.ErrorResponse
	if !errors.As(err, &respErr) || respErr.Response == nil {
		return false
	}
	switch code := respErr.Response.StatusCode; {
	case code == http.StatusConflict, code == http.StatusTooManyRequests:
		return true
	default:
		return code >= http.StatusInternalServerError
	}
}

func (c *Client) observe(endpoint string, fn func() (*gh.Response, error)) error {
	start := time.Now()
	resp, err := fn()
	c.metrics.GitHubAPIDuration.Observe(time.Since(start).Seconds())

	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.GitHubAPIRequests.WithLabelValues(endpoint, status).Inc()
	return err
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository %q, expected owner/name", repo)
	}
	return owner, name, nil
}
