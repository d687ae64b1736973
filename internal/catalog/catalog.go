// Package catalog queries the external product catalog for candidate
// matches. The HTTP client handles rate limiting and transient-error
// retries; an optional Redis layer caches result sets so repeated
// searches for the same shelf do not hit the service twice.
package catalog

import (
	"context"
	"errors"

	"shelfmatch/internal/model"
)

// ErrSearchFailed marks a catalog service failure (unreachable,
// errored, timed out). Retryable. An empty result set is not an error.
var ErrSearchFailed = errors.New("catalog search failed")

// Searcher finds catalog candidates for a brand/name query. The
// retailer hint annotates results and is never used to filter them.
type Searcher interface {
	// Name identifies the searcher for logging.
	Name() string
	// Search returns zero or more candidates tagged with the search
	// stage. A nil error with an empty slice means the catalog had
	// no candidates.
	Search(ctx context.Context, query, retailerHint string) ([]model.Candidate, error)
}
