// Package exporter walks the company revision feed, applies the skip rules,
// delegates drawings to the translation poller and persists the cursor after
// every page.
package exporter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/drawing-exporter/pkg/cursor"
	"github.com/Sternrassler/drawing-exporter/pkg/logging"
	"github.com/Sternrassler/drawing-exporter/pkg/pagination"
	"github.com/Sternrassler/drawing-exporter/pkg/revision"
	"github.com/Sternrassler/drawing-exporter/pkg/translation"
)

// Prometheus metrics for export runs.
var (
	revisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drawing_export_revisions_total",
		Help: "Total revisions handled by outcome",
	}, []string{"outcome"})

	pagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drawing_export_pages_total",
		Help: "Total feed pages processed and persisted",
	})

	watermarkTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drawing_export_watermark_timestamp_seconds",
		Help: "Watermark of the last persisted cursor as unix time",
	})
)

// Revision outcomes used in logs, metrics and the summary.
const (
	OutcomeExported        = "exported"
	OutcomeAlreadyExported = "already_exported"
	OutcomeNotDrawing      = "not_drawing"
	OutcomePreviouslyBad   = "previously_bad"
	OutcomeMarkedBad       = "marked_bad"
)

// FailedToFindDocument is recorded for revisions whose document cannot be
// fetched or is in the trash.
const FailedToFindDocument = "Failed to find document"

// API is the subset of the signed client the exporter needs.
type API interface {
	Get(ctx context.Context, ref string, out any) error
	CompanyID() string
}

// Translator exports one drawing revision.
type Translator interface {
	Export(ctx context.Context, rev revision.Revision) (translation.Outcome, error)
}

// Mirror copies an exported file elsewhere.
type Mirror interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Summary reports one run.
type Summary struct {
	RunID string

	Pages           int
	Exported        int
	AlreadyExported int
	NotDrawing      int
	PreviouslyBad   int
	MarkedBad       int
	MirrorFailures  int

	// Exhausted is true when the feed had no further pages.
	Exhausted bool

	// Cursor is the last persisted cursor.
	Cursor cursor.Cursor
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithMirror uploads every newly exported file. Mirror failures are logged only.
func WithMirror(m Mirror) Option {
	return func(e *Exporter) { e.mirror = m }
}

// WithMaxPages stops a run after n pages (0 = unlimited).
func WithMaxPages(n int) Option {
	return func(e *Exporter) { e.walkerConfig.MaxPages = n }
}

// WithLogger replaces the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Exporter) { e.logger = logger }
}

// Exporter is the batch export orchestrator. Runs are strictly sequential.
type Exporter struct {
	api          API
	translator   Translator
	store        cursor.Store
	mirror       Mirror
	walkerConfig pagination.Config
	logger       zerolog.Logger
}

// New creates a new exporter.
func New(api API, translator Translator, store cursor.Store, opts ...Option) *Exporter {
	e := &Exporter{
		api:          api,
		translator:   translator,
		store:        store,
		walkerConfig: pagination.DefaultConfig(),
		logger:       logging.NewLogger("export"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run exports every revision created since the persisted cursor. The cursor
// is saved after each fully processed page. A malformed translation result
// or a cancelled ctx stops the run without saving the interrupted page.
func (e *Exporter) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: uuid.NewString()}
	logger := e.logger.With().Str("run_id", summary.RunID).Logger()

	cur, err := e.store.Load(ctx)
	if err != nil {
		return summary, fmt.Errorf("load cursor: %w", err)
	}
	summary.Cursor = cur

	start, err := cur.FeedPath(e.api.CompanyID())
	if err != nil {
		return summary, fmt.Errorf("build feed uri: %w", err)
	}

	logger.Info().
		Str("watermark", cur.Date).
		Int("offset", cur.Offset).
		Int("bad_revisions", len(cur.BadRevisions)).
		Msg("Starting export")

	walker := pagination.NewWalker[revision.Revision](e.api, e.walkerConfig)
	stats, err := walker.Walk(ctx, start, func(ctx context.Context, page revision.Page) error {
		next, last, err := e.processPage(ctx, logger, cur, page.Items, &summary)
		if err != nil {
			return err
		}

		next, err = next.Advance(page.Next, last)
		if err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		if err := e.store.Save(ctx, next); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		cur = next
		summary.Cursor = cur
		summary.Pages++

		pagesTotal.Inc()
		if t, err := cursor.ParseWatermark(cur.Date); err == nil {
			watermarkTimestamp.Set(float64(t.Unix()))
		}

		logger.Info().
			Int("revisions", len(page.Items)).
			Str("watermark", cur.Date).
			Int("offset", cur.Offset).
			Str("part_number", cur.PartNumber).
			Str("revision", cur.Revision).
			Msg("Page processed, cursor persisted")
		return nil
	})
	summary.Exhausted = stats.Exhausted
	if err != nil {
		logger.Error().Err(err).Int("pages", summary.Pages).Msg("Export stopped")
		return summary, err
	}

	if stats.Exhausted {
		logger.Info().Str("watermark", cur.Date).Msg("No more revisions since watermark")
	}
	logger.Info().
		Int("pages", summary.Pages).
		Int(OutcomeExported, summary.Exported).
		Int(OutcomeAlreadyExported, summary.AlreadyExported).
		Int(OutcomeNotDrawing, summary.NotDrawing).
		Int(OutcomePreviouslyBad, summary.PreviouslyBad).
		Int(OutcomeMarkedBad, summary.MarkedBad).
		Msg("Export complete")

	return summary, nil
}

// processPage handles the revisions of one page in feed order and returns the
// updated cursor and the last revision touched.
func (e *Exporter) processPage(ctx context.Context, logger zerolog.Logger, cur cursor.Cursor, items []revision.Revision, summary *Summary) (cursor.Cursor, *revision.Revision, error) {
	var last *revision.Revision

	for i := range items {
		rev := items[i]
		revLogger := logger.With().
			Str("revision_id", rev.ID).
			Str("document_id", rev.DocumentID).
			Str("version_id", rev.VersionID).
			Str("element_id", rev.ElementID).
			Str("part_number", rev.PartNumber).
			Str("revision", rev.Revision).
			Logger()

		next, err := e.processRevision(ctx, revLogger, cur, rev, summary)
		if err != nil {
			return cur, last, err
		}
		cur = next
		last = &items[i]
	}

	return cur, last, nil
}

func (e *Exporter) processRevision(ctx context.Context, logger zerolog.Logger, cur cursor.Cursor, rev revision.Revision, summary *Summary) (cursor.Cursor, error) {
	if cur.IsBad(rev.ID) {
		logger.Warn().
			Str("failure", cur.BadRevisions[rev.ID].Failure).
			Msg("Skipping previously failed revision")
		e.count(summary, OutcomePreviouslyBad)
		return cur, nil
	}

	if !rev.IsDrawing() {
		logger.Debug().
			Str("element_type", rev.ElementType.String()).
			Msg("Ignoring non drawing revision")
		e.count(summary, OutcomeNotDrawing)
		return cur, nil
	}

	var doc revision.Document
	if err := e.api.Get(ctx, revision.DocumentPath(rev.DocumentID), &doc); err != nil {
		if ctx.Err() != nil {
			return cur, ctx.Err()
		}
		logger.Error().Err(err).Msg("Failed to find document")
		return e.markBad(logger, cur, rev, FailedToFindDocument, summary), nil
	}
	if doc.Trash {
		return e.markBad(logger, cur, rev, FailedToFindDocument, summary), nil
	}

	outcome, err := e.translator.Export(ctx, rev)
	if err != nil {
		return cur, fmt.Errorf("export revision %s (%s): %w", rev.ID, rev.FileName(), err)
	}

	switch {
	case outcome.Permanent():
		return e.markBad(logger, cur, rev, outcome.Failure, summary), nil
	case outcome.State == translation.StateAlreadyExported:
		e.count(summary, OutcomeAlreadyExported)
	default:
		e.count(summary, OutcomeExported)
		e.mirrorArtifact(ctx, logger, outcome.Path, summary)
	}
	return cur, nil
}

func (e *Exporter) markBad(logger zerolog.Logger, cur cursor.Cursor, rev revision.Revision, reason string, summary *Summary) cursor.Cursor {
	logger.Warn().
		Str("failure", reason).
		Msg("Encountered bad revision")
	e.count(summary, OutcomeMarkedBad)
	return cur.MarkBad(rev, reason)
}

func (e *Exporter) mirrorArtifact(ctx context.Context, logger zerolog.Logger, path string, summary *Summary) {
	if e.mirror == nil {
		return
	}
	key, err := e.mirror.Upload(ctx, path)
	if err != nil {
		summary.MirrorFailures++
		logger.Warn().Err(err).Str("path", path).Msg("Mirror upload failed")
		return
	}
	logger.Info().Str("key", key).Msg("Artifact mirrored")
}

func (e *Exporter) count(summary *Summary, outcome string) {
	revisionsTotal.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomeExported:
		summary.Exported++
	case OutcomeAlreadyExported:
		summary.AlreadyExported++
	case OutcomeNotDrawing:
		summary.NotDrawing++
	case OutcomePreviouslyBad:
		summary.PreviouslyBad++
	case OutcomeMarkedBad:
		summary.MarkedBad++
	}
}
