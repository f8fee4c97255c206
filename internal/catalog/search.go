package catalog

import (
	"strings"

	"golang.org/x/text/cases"
)

// Filter returns items whose title or description contains query, ignoring
// case. A blank query returns every item.
func (c *Catalog) Filter(query string) []Item {
	query = strings.TrimSpace(query)
	if query == "" {
		return c.Items()
	}
	// Casers keep state and must not be shared across goroutines.
	fold := cases.Fold()
	needle := fold.String(query)

	out := make([]Item, 0, len(c.items))
	for _, item := range c.items {
		if strings.Contains(fold.String(item.Title), needle) ||
			strings.Contains(fold.String(item.Description), needle) {
			out = append(out, item)
		}
	}
	return out
}
