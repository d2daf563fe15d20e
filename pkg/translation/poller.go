// Package translation drives the asynchronous drawing-to-PDF translation of
// one revision: submit, poll until terminal, download the artifact.
package translation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/drawing-exporter/pkg/logging"
	"github.com/Sternrassler/drawing-exporter/pkg/revision"
)

// Prometheus metrics for translation jobs.
var (
	translationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drawing_export_translations_total",
		Help: "Total translation jobs by terminal state",
	}, []string{"state"})

	translationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drawing_export_translation_duration_seconds",
		Help:    "Time from translation submission to terminal state",
		Buckets: []float64{5, 10, 30, 60, 120, 300, 600},
	})
)

// ErrMalformedResult is returned when a translation reaches DONE without a
// result artifact id. It terminates the export run.
var ErrMalformedResult = errors.New("bad translate done response")

// State is a translation job state.
type State string

const (
	StateRequested       State = "REQUESTED"
	StateActive          State = "ACTIVE"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
	StateTimedOut        State = "TIMED_OUT"
	StateMalformed       State = "MALFORMED"
	StateAlreadyExported State = "ALREADY_EXPORTED"
)

// Defaults for polling.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultTimeout      = 600 * time.Second
)

// Request is the translation submission body.
type Request struct {
	FormatName               string `json:"formatName"`
	StoreInDocument          bool   `json:"storeInDocument"`
	ShowOverriddenDimensions bool   `json:"showOverriddenDimensions"`
	DestinationName          string `json:"destinationName"`
}

// Job is the translation status resource.
type Job struct {
	Href                  string   `json:"href"`
	RequestState          string   `json:"requestState"`
	ResultExternalDataIDs []string `json:"resultExternalDataIds"`
}

// API is the subset of the signed client the poller needs.
type API interface {
	Get(ctx context.Context, ref string, out any) error
	Post(ctx context.Context, ref string, body any, out any) error
	DownloadToFile(ctx context.Context, ref, dest string) error
}

// Outcome is the terminal result of one export.
type Outcome struct {
	State State

	// Path is the destination file.
	Path string

	// Failure describes FAILED and TIMED_OUT outcomes; it is recorded on the
	// bad revision.
	Failure string

	// Elapsed is the time between submission and the terminal state.
	Elapsed time.Duration
}

// Permanent reports whether the revision must be marked bad.
func (o Outcome) Permanent() bool {
	return o.State == StateFailed || o.State == StateTimedOut
}

// Config holds poller configuration.
type Config struct {
	// ExportDir receives <partNumber>_<revision>.pdf
	ExportDir string

	// PollInterval is the wait before each status request.
	PollInterval time.Duration

	// Timeout is the ceiling from submission to a terminal state.
	Timeout time.Duration
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig(exportDir string) Config {
	return Config{
		ExportDir:    exportDir,
		PollInterval: DefaultPollInterval,
		Timeout:      DefaultTimeout,
	}
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithSleep replaces the context-aware sleep between polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) { p.sleep = sleep }
}

// WithLogger replaces the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

// Poller runs the translation state machine for one revision at a time.
type Poller struct {
	api    API
	config Config
	logger zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a new poller.
func NewPoller(api API, config Config, opts ...Option) *Poller {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	p := &Poller{
		api:    api,
		config: config,
		logger: logging.NewLogger("translation"),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns the output path of a revision.
func (p *Poller) Destination(rev revision.Revision) string {
	return filepath.Join(p.config.ExportDir, rev.FileName())
}

// Export translates rev to PDF and downloads it. FAILED and TIMED_OUT are
// returned as outcomes with a nil error. A DONE job without artifact id
// returns ErrMalformedResult; a cancelled ctx returns the context error.
func (p *Poller) Export(ctx context.Context, rev revision.Revision) (Outcome, error) {
	dest := p.Destination(rev)
	logger := p.logger.With().
		Str("revision_id", rev.ID).
		Str("part_number", rev.PartNumber).
		Str("revision", rev.Revision).
		Logger()

	if _, err := os.Stat(dest); err == nil {
		logger.Info().Str("path", dest).Msg("Already exported")
		translationsTotal.WithLabelValues(string(StateAlreadyExported)).Inc()
		return Outcome{State: StateAlreadyExported, Path: dest}, nil
	}

	// REQUESTED
	var job Job
	err := p.api.Post(ctx, revision.TranslationPath(rev), Request{
		FormatName:               "PDF",
		StoreInDocument:          false,
		ShowOverriddenDimensions: true,
		DestinationName:          rev.FileName(),
	}, &job)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return p.finish(logger, Outcome{
			State:   StateFailed,
			Path:    dest,
			Failure: fmt.Sprintf("Translation request failed: %v", err),
		}), nil
	}
	if job.Href == "" {
		return p.finish(logger, Outcome{
			State:   StateFailed,
			Path:    dest,
			Failure: "Translation request returned no href",
		}), nil
	}

	logger.Info().Str("file", rev.FileName()).Msg("Created translation request")

	// ACTIVE
	start := p.now()
	href := job.Href
	job.RequestState = string(StateActive)
	for job.RequestState == string(StateActive) {
		if err := p.sleep(ctx, p.config.PollInterval); err != nil {
			return Outcome{}, err
		}

		elapsed := p.now().Sub(start)
		if elapsed > p.config.Timeout {
			return p.finish(logger, Outcome{
				State:   StateTimedOut,
				Path:    dest,
				Failure: fmt.Sprintf("Timed out after %d seconds", int(math.Round(elapsed.Seconds()))),
				Elapsed: elapsed,
			}), nil
		}

		logger.Debug().
			Float64("elapsed", elapsed.Seconds()).
			Msg("Waiting for translation")

		var status Job
		if err := p.api.Get(ctx, href, &status); err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return p.finish(logger, Outcome{
				State:   StateFailed,
				Path:    dest,
				Failure: fmt.Sprintf("Translation status request failed: %v", err),
				Elapsed: elapsed,
			}), nil
		}
		job.RequestState = status.RequestState
		job.ResultExternalDataIDs = status.ResultExternalDataIDs
	}

	elapsed := p.now().Sub(start)
	if job.RequestState != string(StateDone) {
		return p.finish(logger, Outcome{
			State:   StateFailed,
			Path:    dest,
			Failure: fmt.Sprintf("Export never attained DONE state final state=%s", job.RequestState),
			Elapsed: elapsed,
		}), nil
	}

	// DONE
	if len(job.ResultExternalDataIDs) == 0 || job.ResultExternalDataIDs[0] == "" {
		logger.Error().Str("request_state", job.RequestState).Msg("Translation done without result artifact")
		translationsTotal.WithLabelValues(string(StateMalformed)).Inc()
		return Outcome{State: StateMalformed, Path: dest, Elapsed: elapsed}, ErrMalformedResult
	}

	externalID := job.ResultExternalDataIDs[0]
	if err := p.api.DownloadToFile(ctx, revision.ExternalDataPath(rev.DocumentID, externalID), dest); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return p.finish(logger, Outcome{
			State:   StateFailed,
			Path:    dest,
			Failure: fmt.Sprintf("Download failed: %v", err),
			Elapsed: elapsed,
		}), nil
	}

	return p.finish(logger, Outcome{State: StateDone, Path: dest, Elapsed: elapsed}), nil
}

func (p *Poller) finish(logger zerolog.Logger, o Outcome) Outcome {
	translationsTotal.WithLabelValues(string(o.State)).Inc()
	if o.Elapsed > 0 {
		translationDuration.Observe(o.Elapsed.Seconds())
	}

	if o.State == StateDone {
		logger.Info().
			Str("path", o.Path).
			Dur("elapsed", o.Elapsed).
			Msg("Translation downloaded")
	} else {
		logger.Info().
			Str("request_state", string(o.State)).
			Str("failure", o.Failure).
			Dur("elapsed", o.Elapsed).
			Msg("Translation did not complete")
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
