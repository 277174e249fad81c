package domain

import "context"

// PageFetcher retrieves the readable text of a remote page.
// Failures are returned as *FetchError.
type PageFetcher interface {
	Fetch(ctx context.Context, uri string) (string, error)
}
