package fetcher

import "fmt"

// FailureKind classifies a fetch failure so the orchestrator can decide
// whether to advance the feed's error window or treat the condition as
// permanent.
type FailureKind int

const (
	FailureNetwork FailureKind = iota
	FailureTimeout
	FailureInvalidURL
	FailureTooManyRedirects
	FailureUnexpectedStatus
)

func (k FailureKind) String() string {
	switch k {
	case FailureNetwork:
		return "network"
	case FailureTimeout:
		return "timeout"
	case FailureInvalidURL:
		return "invalid_url"
	case FailureTooManyRedirects:
		return "too_many_redirects"
	case FailureUnexpectedStatus:
		return "unexpected_status"
	}
	return "unknown"
}

// FetchError is a classified feed fetch failure.
type FetchError struct {
	Kind   FailureKind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// UserMessage is the synchronous, human-readable form surfaced by feed
// preview and create.
func (e *FetchError) UserMessage() string {
	switch e.Kind {
	case FailureTimeout:
		return "That URL took too long to fetch."
	case FailureInvalidURL:
		return "The URL for this feed seems to be invalid."
	case FailureTooManyRedirects:
		return "The feed URL has a bad redirect."
	case FailureUnexpectedStatus:
		return fmt.Sprintf("Could not fetch that URL (status %d).", e.Status)
	}
	return "Failed to fetch that URL."
}
