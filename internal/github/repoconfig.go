package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	gh "github.com/google/go-github/v57/github"
	"gopkg.in/yaml.v3"

	"Skiff/internal/apperrors"
)

const (
	extendsKey      = "_extends"
	ownerConfigRepo = ".github"
)

// owner/repo:path, where owner and path are optional.
var extendsPattern = regexp.MustCompile(`^(?:([a-zA-Z\d](?:[a-zA-Z\d]|-[a-zA-Z\d]){0,38})/)?([-_.\w]+)(?::([-_./\w]+\.ya?ml))?$`)

// FetchRepoConfig loads the repository config file. When the repository has
// none, the owner's .github repository is tried. A missing file yields an
// empty document. `_extends` is resolved recursively up to the configured
// depth, the extending file winning over its base.
func (c *Client) FetchRepoConfig(ctx context.Context, repo string) (map[string]any, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	doc, found, err := c.readConfig(ctx, owner, name, c.cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if !found && name != ownerConfigRepo {
		doc, found, err = c.readConfig(ctx, owner, ownerConfigRepo, c.cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
	}
	if !found {
		c.logger.Debug("no repository config file", slog.String("repo", repo))
		return map[string]any{}, nil
	}

	return c.resolveExtends(ctx, owner, doc, c.cfg.ExtendsDepth)
}

func (c *Client) resolveExtends(ctx context.Context, owner string, doc map[string]any, depth int) (map[string]any, error) {
	raw, ok := doc[extendsKey]
	if !ok {
		return doc, nil
	}
	delete(doc, extendsKey)

	ref, _ := raw.(string)
	m := extendsPattern.FindStringSubmatch(ref)
	if m == nil {
		return nil, apperrors.Configuration("github.FetchRepoConfig", "invalid %s value %q", extendsKey, ref)
	}
	if depth <= 0 {
		return nil, apperrors.Configuration("github.FetchRepoConfig", "%s nested too deeply at %q", extendsKey, ref)
	}

	baseOwner, baseRepo, basePath := m[1], m[2], m[3]
	if baseOwner == "" {
		baseOwner = owner
	}
	if basePath == "" {
		basePath = c.cfg.ConfigPath
	}

	base, found, err := c.readConfig(ctx, baseOwner, baseRepo, basePath)
	if err != nil {
		return nil, err
	}
	if !found {
		c.logger.Warn("extended config file not found",
			slog.String("ref", ref),
		)
		return doc, nil
	}

	base, err = c.resolveExtends(ctx, baseOwner, base, depth-1)
	if err != nil {
		return nil, err
	}
	return MergeConfig(base, doc), nil
}

// readConfig fetches and decodes one YAML file. found is false on a 404.
func (c *Client) readConfig(ctx context.Context, owner, repo, path string) (map[string]any, bool, error) {
	var file *gh.RepositoryContent
	err := c.observe("get_contents", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		file, _, resp, err = c.gh.Repositories.GetContents(ctx, owner, repo, path, nil)
		return resp, err
	})
	if err != nil {
		var respErr *gh.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to fetch %s/%s/%s: %w", owner, repo, path, err)
	}
	if file == nil {
		return nil, false, apperrors.Configuration("github.FetchRepoConfig", "%s/%s/%s is not a file", owner, repo, path)
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode %s/%s/%s: %w", owner, repo, path, err)
	}

	doc := map[string]any{}
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, false, apperrors.Configuration("github.FetchRepoConfig", "invalid YAML in %s/%s/%s: %v", owner, repo, path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, true, nil
}

// MergeConfig deep merges local over base. Maps merge key by key, lists are
// concatenated, an explicit null blanks the base value, and any other local
// value replaces it. Neither argument is modified.
func MergeConfig(base, local map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(local))
	for k, v := range base {
		out[k] = v
	}

	for k, lv := range local {
		bv, exists := out[k]
		if !exists || lv == nil {
			out[k] = lv
			continue
		}
		switch l := lv.(type) {
		case map[string]any:
			if b, ok := bv.(map[string]any); ok {
				out[k] = MergeConfig(b, l)
				continue
			}
		case []any:
			if b, ok := bv.([]any); ok {
				merged := make([]any, 0, len(b)+len(l))
				merged = append(merged, b...)
				out[k] = append(merged, l...)
				continue
			}
		}
		out[k] = lv
	}
	return out
}
