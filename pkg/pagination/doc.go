// Package pagination walks next-linked feeds.
//
// The revision feed returns an `items` array and an optional `next` link
// carrying its own offset/after parameters. Pages are visited strictly in
// order and the next page is only requested after the handler returned, so
// the handler can persist progress between pages.
//
// Example usage:
//
//	walker := pagination.NewWalker[revision.Revision](apiClient, pagination.DefaultConfig())
//	stats, err := walker.Walk(ctx, startURI, func(ctx context.Context, page pagination.Page[revision.Revision]) error {
//		// process page.Items, then persist the cursor
//		return nil
//	})
//
// The walk ends on an empty page, a page without a next link, a handler
// error or a cancelled context.
package pagination
