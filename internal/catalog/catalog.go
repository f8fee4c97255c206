// Package catalog holds the immutable list of books offered by the storefront.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

const defaultCurrency = "INR"

// ErrItemNotFound is returned by Get for unknown ids.
var ErrItemNotFound = errors.New("catalog: item not found")

// Item is one book. Price is in minor units of Currency.
type Item struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Price       int64  `yaml:"price"`
	Currency    string `yaml:"currency"`
	Free        bool   `yaml:"free"`
	Cover       string `yaml:"cover"`
	Preview     string `yaml:"preview"`
	ProductID   string `yaml:"productId"`
}

// ExternalID is the identifier the order backend knows the item by.
func (i Item) ExternalID() string {
	if i.ProductID != "" {
		return i.ProductID
	}
	return i.ID
}

// DisplayPrice formats the price for humans.
func (i Item) DisplayPrice() string {
	if i.Free {
		return "Free"
	}
	return FormatPrice(i.Price, i.Currency)
}

// Catalog is an ordered, read-only set of items. It is safe for concurrent use.
type Catalog struct {
	items []Item
	index map[string]int
}

type catalogFile struct {
	Items []Item `yaml:"items"`
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(embeddedCatalog)
}

// Parse decodes YAML catalog data and validates it.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return New(file.Items)
}

// New validates items and builds a catalog preserving their order.
func New(items []Item) (*Catalog, error) {
	c := &Catalog{
		items: make([]Item, 0, len(items)),
		index: make(map[string]int, len(items)),
	}
	var problems []string
	for n, item := range items {
		item.ID = strings.TrimSpace(item.ID)
		item.Title = strings.TrimSpace(item.Title)
		item.Description = strings.TrimSpace(item.Description)
		if item.Currency == "" {
			item.Currency = defaultCurrency
		}
		switch {
		case item.ID == "":
			problems = append(problems, fmt.Sprintf("item %d: missing id", n))
			continue
		case item.Title == "":
			problems = append(problems, fmt.Sprintf("%s: missing title", item.ID))
		case item.Price < 0:
			problems = append(problems, fmt.Sprintf("%s: negative price", item.ID))
		case !item.Free && item.Price == 0:
			problems = append(problems, fmt.Sprintf("%s: paid item without price", item.ID))
		}
		if _, dup := c.index[item.ID]; dup {
			problems = append(problems, fmt.Sprintf("%s: duplicate id", item.ID))
			continue
		}
		c.index[item.ID] = len(c.items)
		c.items = append(c.items, item)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("catalog: invalid items: %s", strings.Join(problems, "; "))
	}
	return c, nil
}

// Items returns a copy of every item in catalog order.
func (c *Catalog) Items() []Item {
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// Get looks an item up by id.
func (c *Catalog) Get(id string) (Item, error) {
	n, ok := c.index[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return c.items[n], nil
}

// Len reports the number of items.
func (c *Catalog) Len() int { return len(c.items) }
