package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quarryhq/quarry/internal/secrets"
)

const defaultAPIBase = "https://api.github.com"

// GitHubClient opens review requests through the GitHub REST API.
// The access token is resolved from the secret store on every call so
// rotated tokens take effect without a restart.
type GitHubClient struct {
	http    *http.Client
	baseURL string
	secrets secrets.Resolver
}

var _ Host = (*GitHubClient)(nil)

// NewGitHubClient creates a GitHub-backed Host. baseURL overrides the
// API endpoint when non-empty (for GitHub Enterprise or tests).
func NewGitHubClient(resolver secrets.Resolver, baseURL string) *GitHubClient {
	if baseURL == "" {
		baseURL = defaultAPIBase
	}
	return &GitHubClient{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		secrets: resolver,
	}
}

type createPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

type pullRequestResponse struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
	Head   struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

// OpenPullRequest opens a review request for a pushed branch.
func (c *GitHubClient) OpenPullRequest(ctx context.Context, params OpenPullRequestParams) (*PullRequest, error) {
	if params.TokenSecret == "" {
		return nil, errors.New("no token secret configured for repository")
	}
	token, err := c.secrets.Resolve(params.TokenSecret)
	if err != nil {
		return nil, fmt.Errorf("resolve token %s: %w", params.TokenSecret, err)
	}

	body, err := json.Marshal(createPullRequest{
		Title: params.Title,
		Body:  params.Body,
		Head:  params.Head,
		Base:  params.Base,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/pulls", c.baseURL, params.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open review request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("open review request: %s: %s", resp.Status, excerpt)
	}

	var pr pullRequestResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode review request response: %w", err)
	}
	return &PullRequest{Number: pr.Number, HeadSHA: pr.Head.SHA, URL: pr.URL}, nil
}
