package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrStalledFeed is returned when a page links to itself.
var ErrStalledFeed = errors.New("feed next link does not advance")

// Page is one page of a next-linked feed.
type Page[T any] struct {
	Items []T    `json:"items"`
	Next  string `json:"next,omitempty"`
}

// Getter fetches and decodes a JSON resource. Relative and absolute
// references must both be accepted.
type Getter interface {
	Get(ctx context.Context, ref string, out any) error
}

// PageFunc handles one non-empty page. Returning an error stops the walk.
type PageFunc[T any] func(ctx context.Context, page Page[T]) error

// Config holds walker configuration.
type Config struct {
	// MaxPages stops the walk after this many pages (0 = unlimited).
	MaxPages int
}

// DefaultConfig returns the default walker configuration.
func DefaultConfig() Config {
	return Config{}
}

// Stats summarizes a walk.
type Stats struct {
	Pages int
	Items int
	// Exhausted is true when the feed ended (empty page or no next link).
	Exhausted bool
}

// Walker visits the pages of a feed strictly in order.
type Walker[T any] struct {
	getter Getter
	config Config
}

// NewWalker creates a new walker.
func NewWalker[T any](getter Getter, config Config) *Walker[T] {
	if config.MaxPages < 0 {
		config.MaxPages = 0
	}

	return &Walker[T]{
		getter: getter,
		config: config,
	}
}

// Walk fetches start, hands the page to fn and follows the next link until
// a page is empty, a page has no next link, fn fails or ctx ends. The next
// page is not requested before fn returns.
func (w *Walker[T]) Walk(ctx context.Context, start string, fn PageFunc[T]) (Stats, error) {
	begin := time.Now()
	var stats Stats

	ref := start
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		var page Page[T]
		if err := w.getter.Get(ctx, ref, &page); err != nil {
			return stats, fmt.Errorf("fetch page %d: %w", stats.Pages+1, err)
		}

		if len(page.Items) == 0 {
			log.Debug().
				Str("uri", ref).
				Int("pages", stats.Pages).
				Msg("Feed returned an empty page")
			stats.Exhausted = true
			break
		}

		stats.Pages++
		stats.Items += len(page.Items)

		if err := fn(ctx, page); err != nil {
			return stats, err
		}

		if page.Next == "" {
			stats.Exhausted = true
			break
		}
		if page.Next == ref {
			return stats, fmt.Errorf("%w: %s", ErrStalledFeed, ref)
		}

		if w.config.MaxPages > 0 && stats.Pages >= w.config.MaxPages {
			log.Info().
				Int("pages", stats.Pages).
				Msg("Page limit reached, stopping walk")
			break
		}

		ref = page.Next
	}

	log.Debug().
		Int("pages", stats.Pages).
		Int("items", stats.Items).
		Bool("exhausted", stats.Exhausted).
		Dur("duration", time.Since(begin)).
		Msg("Walk complete")

	return stats, nil
}
