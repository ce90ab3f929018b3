// Package hosting talks to the external code-hosting service. The
// workspace runner and tests consume the Host interface; GitHubClient
// is the concrete implementation.
package hosting

import "context"

// OpenPullRequestParams describes a review request to open.
type OpenPullRequestParams struct {
	// Repo is the repository the request targets (e.g. "org/name").
	Repo string
	// Title is the review request title.
	Title string
	// Body is the review request description.
	Body string
	// Head is the branch containing the changes.
	Head string
	// Base is the branch the changes should merge into.
	Base string
	// TokenSecret is the secret name resolved to an access token at
	// call time. The token value itself never travels in params.
	TokenSecret string
}

// PullRequest is the hosting service's record of an opened review
// request.
type PullRequest struct {
	// Number is the review request number.
	Number int
	// HeadSHA is the head commit of the request.
	HeadSHA string
	// URL is the browsable location of the request.
	URL string
}

// Host is the hosting-service surface the core depends on.
type Host interface {
	// OpenPullRequest opens a review request for a pushed branch.
	OpenPullRequest(ctx context.Context, params OpenPullRequestParams) (*PullRequest, error)
}
