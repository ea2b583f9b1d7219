package domain

import "context"

// Extractor opens binary documents for text extraction.
type Extractor interface {
	Open(ctx context.Context, data []byte) (Document, error)
}

// Document is an opened document whose pages are numbered from 1.
type Document interface {
	NumPages() int
	// PageItems returns the ordered text runs found on page n.
	PageItems(ctx context.Context, n int) ([]string, error)
}
