package extract

import (
	"context"
	"fmt"
	"strings"

	"genaichat/internal/domain"
)

// Progress is called after each page with the number of pages read so far.
type Progress func(done, total int)

// Text extracts the whole document. Each page contributes "\n" followed by its
// runs joined with single spaces, in ascending page order. Nothing is returned
// until every page has been read.
func Text(ctx context.Context, ex domain.Extractor, data []byte, progress Progress) (string, error) {
	doc, err := ex.Open(ctx, data)
	if err != nil {
		return "", err
	}
	total := doc.NumPages()

	var sb strings.Builder
	for n := 1; n <= total; n++ {
		items, err := doc.PageItems(ctx, n)
		if err != nil {
			return "", fmt.Errorf("extract page %d/%d: %w", n, total, err)
		}
		sb.WriteString("\n")
		sb.WriteString(strings.Join(items, " "))
		if progress != nil {
			progress(n, total)
		}
	}
	return sb.String(), nil
}
