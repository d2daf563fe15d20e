// Package cursor persists export progress: the feed watermark, the offset
// within it, the last handled revision and the permanently failed revisions.
package cursor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/drawing-exporter/pkg/revision"
)

// EpochWatermark is the watermark of a cursor that was never saved.
const EpochWatermark = "2000-01-01T00:00:00Z"

// afterLayout is the feed's `after` format: ISO-8601 UTC with milliseconds.
const afterLayout = "2006-01-02T15:04:05.000Z"

// BadRevision records why a revision is permanently skipped.
type BadRevision struct {
	DocumentID string `json:"documentId"`
	VersionID  string `json:"versionId"`
	ElementID  string `json:"elementId"`
	PartNumber string `json:"partNumber"`
	Revision   string `json:"revision"`
	Failure    string `json:"failure"`
}

// Cursor is the persisted export progress. It is a value: Advance, MarkBad
// and Forget return a new cursor and leave the receiver untouched.
type Cursor struct {
	Date         string                 `json:"date"`
	Offset       int                    `json:"offset"`
	PartNumber   string                 `json:"partNumber"`
	Revision     string                 `json:"revision"`
	BadRevisions map[string]BadRevision `json:"badrevisions"`
}

// Default returns the cursor used when nothing has been persisted.
func Default() Cursor {
	return Cursor{
		Date:         EpochWatermark,
		BadRevisions: map[string]BadRevision{},
	}
}

// UnmarshalJSON accepts the legacy shapes: a bare revCreatedDate, an offset
// encoded as string, and a missing badrevisions map.
func (c *Cursor) UnmarshalJSON(data []byte) error {
	var raw struct {
		Date           string                 `json:"date"`
		Offset         json.RawMessage        `json:"offset"`
		PartNumber     string                 `json:"partNumber"`
		Revision       string                 `json:"revision"`
		BadRevisions   map[string]BadRevision `json:"badrevisions"`
		RevCreatedDate string                 `json:"revCreatedDate"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	offset, err := parseOffset(raw.Offset)
	if err != nil {
		return err
	}

	*c = Cursor{
		Date:         raw.Date,
		Offset:       offset,
		PartNumber:   raw.PartNumber,
		Revision:     raw.Revision,
		BadRevisions: raw.BadRevisions,
	}
	if raw.RevCreatedDate != "" {
		c.Date = raw.RevCreatedDate
		c.Offset = 0
	}
	if c.Date == "" {
		c.Date = EpochWatermark
	}
	if c.BadRevisions == nil {
		c.BadRevisions = map[string]BadRevision{}
	}
	return nil
}

func parseOffset(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("offset: %w", err)
	}
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("offset %q: %w", s, err)
	}
	return n, nil
}

// ParseWatermark parses an ISO-8601 watermark. Date-only values are accepted.
func ParseWatermark(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q: %w", s, err)
	}
	return t, nil
}

// After formats the watermark for the feed's `after` query parameter.
func (c Cursor) After() (string, error) {
	t, err := ParseWatermark(c.Date)
	if err != nil {
		return "", err
	}
	return t.UTC().Format(afterLayout), nil
}

// FeedPath is the feed URI resuming from this cursor.
func (c Cursor) FeedPath(companyID string) (string, error) {
	after, err := c.After()
	if err != nil {
		return "", err
	}
	return revision.FeedPath(companyID, c.Offset, after), nil
}

// IsBad reports whether a revision is permanently skipped.
func (c Cursor) IsBad(id string) bool {
	_, ok := c.BadRevisions[id]
	return ok
}

// Advance records a processed page. A next link overwrites watermark and
// offset from its after/offset parameters; the last touched revision sets
// part number and revision and, if it carries createdAt, moves the watermark
// to it with offset 0. The watermark never moves backwards.
func (c Cursor) Advance(next string, last *revision.Revision) (Cursor, error) {
	out := c.clone()

	if next != "" {
		u, err := url.Parse(next)
		if err != nil {
			return c, fmt.Errorf("parse next link: %w", err)
		}
		q := u.Query()

		offset := 0
		if s := q.Get("offset"); s != "" {
			offset, err = strconv.Atoi(s)
			if err != nil {
				return c, fmt.Errorf("next link offset %q: %w", s, err)
			}
		}

		after := q.Get("after")
		if after == "" {
			after = out.Date
		}
		if out, err = out.moveWatermark(after, offset); err != nil {
			return c, err
		}
	}

	if last != nil {
		out.PartNumber = last.PartNumber
		out.Revision = last.Revision
		if last.CreatedAt != "" {
			var err error
			if out, err = out.moveWatermark(last.CreatedAt, 0); err != nil {
				return c, err
			}
		}
	}

	return out, nil
}

// moveWatermark applies a watermark candidate with its offset. The pair names
// one feed position: a later or equal candidate replaces watermark and offset,
// an earlier one is ignored.
func (c Cursor) moveWatermark(candidate string, offset int) (Cursor, error) {
	next, err := ParseWatermark(candidate)
	if err != nil {
		return c, err
	}

	current, err := ParseWatermark(c.Date)
	if err != nil {
		// An unreadable stored watermark never blocks progress
		c.Date = candidate
		c.Offset = offset
		return c, nil
	}

	if next.Before(current) {
		return c, nil
	}
	if next.After(current) {
		c.Date = candidate
	}
	c.Offset = offset
	return c, nil
}

// MarkBad returns a cursor with rev recorded as permanently failed.
func (c Cursor) MarkBad(rev revision.Revision, reason string) Cursor {
	out := c.clone()
	out.BadRevisions[rev.ID] = BadRevision{
		DocumentID: rev.DocumentID,
		VersionID:  rev.VersionID,
		ElementID:  rev.ElementID,
		PartNumber: rev.PartNumber,
		Revision:   rev.Revision,
		Failure:    reason,
	}
	return out
}

// Forget returns a cursor without the bad revision id and whether it was present.
func (c Cursor) Forget(id string) (Cursor, bool) {
	if !c.IsBad(id) {
		return c, false
	}
	out := c.clone()
	delete(out.BadRevisions, id)
	return out, true
}

func (c Cursor) clone() Cursor {
	out := c
	out.BadRevisions = make(map[string]BadRevision, len(c.BadRevisions)+1)
	maps.Copy(out.BadRevisions, c.BadRevisions)
	return out
}
