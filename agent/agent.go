// Package agent runs the registration handshake and the polling loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaewooli/connwatch/capturer"
	"github.com/jaewooli/connwatch/metrics"
	"github.com/jaewooli/connwatch/reporter"
)

const defaultInterval = 10 * time.Second

var ErrRegistrationFailed = errors.New("device registration failed")

// Reporter delivers registration and connection reports to the collector.
type Reporter interface {
	Register(ctx context.Context) (reporter.Registration, error)
	Report(ctx context.Context, rec capturer.ConnRecord) error
	SetStatus(ctx context.Context, status string) error
}

// CycleSummary is what one polling cycle did.
type CycleSummary struct {
	Cycle      int       `json:"cycle"`
	At         time.Time `json:"at"`
	Reader     string    `json:"reader"`
	Rows       int       `json:"rows"`
	Dropped    int       `json:"dropped"`
	Records    int       `json:"records"`
	New        int       `json:"new"`
	Reported   int       `json:"reported"`
	Failed     int       `json:"failed"`
	LedgerSize int       `json:"ledgerSize"`
	ReadError  string    `json:"readError,omitempty"`
}

// Agent registers once and then polls the socket table every
// Session.RefreshInterval. All work happens on the goroutine calling Run.
type Agent struct {
	Session  *Session
	Capturer *capturer.ConnCapturer
	Reporter Reporter
	Metrics  *metrics.Metrics
	Sink     SummarySink
	Log      zerolog.Logger

	cycle int
}

func New(sess *Session, c *capturer.ConnCapturer, r Reporter, log zerolog.Logger) *Agent {
	return &Agent{
		Session:  sess,
		Capturer: c,
		Reporter: r,
		Metrics:  metrics.New(),
		Log:      log,
	}
}

// Run blocks until ctx is done. It returns ErrRegistrationFailed (wrapped)
// when the collector refuses the device; polling never starts in that case.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.validate(); err != nil {
		return err
	}
	if !a.Session.Registered {
		if err := a.Register(ctx); err != nil {
			return err
		}
	}
	return a.Poll(ctx)
}

func (a *Agent) validate() error {
	switch {
	case a.Session == nil:
		return errors.New("agent: Session is nil")
	case a.Capturer == nil || a.Capturer.Reader == nil:
		return errors.New("agent: Capturer has no Reader")
	case a.Reporter == nil:
		return errors.New("agent: Reporter is nil")
	}
	if a.Metrics == nil {
		a.Metrics = metrics.New()
	}
	return nil
}

func (a *Agent) Register(ctx context.Context) error {
	reg, err := a.Reporter.Register(ctx)
	if err != nil {
		a.Log.Error().Err(err).Str("server", a.Session.ServerURL).Msg("registration failed")
		return fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	a.Session.Registered = true
	a.Session.DeviceID = reg.ID
	a.Log.Info().
		Str("device", a.Session.DeviceName).
		Str("device_id", reg.ID).
		Msg("device registered")
	return nil
}

// Poll runs a cycle immediately and then once per interval. A slow cycle
// delays the next one; cycles never overlap.
func (a *Agent) Poll(ctx context.Context) error {
	if err := a.validate(); err != nil {
		return err
	}
	interval := a.Session.RefreshInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	a.Log.Info().Dur("interval", interval).Str("reader", a.Capturer.Reader.Name()).Msg("starting network monitoring")

	a.runCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown(ctx)
			return ctx.Err()
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}

func (a *Agent) runCycle(ctx context.Context) {
	sum, err := a.RunCycle(ctx)
	if err != nil {
		a.Log.Error().Err(err).Int("cycle", sum.Cycle).Msg("cycle failed")
	}
}

// RunCycle reads, filters and reports once. Failures stay inside the cycle:
// read errors yield an empty cycle, report errors are counted, and a panic is
// recovered and returned as an error.
func (a *Agent) RunCycle(ctx context.Context) (sum CycleSummary, err error) {
	if err := a.validate(); err != nil {
		return sum, err
	}
	a.cycle++
	sum.Cycle = a.cycle
	a.Metrics.Cycles.Inc()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle %d panicked: %v", sum.Cycle, r)
			a.Metrics.CycleFailures.Inc()
		}
	}()

	capErr := a.Capturer.Capture(ctx)
	snap := a.Capturer.Snapshot()
	if snap == nil {
		return sum, errors.Join(errors.New("no snapshot captured"), capErr)
	}
	sum.At = snap.At
	sum.Reader = snap.Reader
	sum.Rows = snap.Stats.Rows
	sum.Dropped = snap.Dropped()
	sum.Records = len(snap.Records)
	sum.New = len(snap.New)

	a.Metrics.RowsDropped.WithLabelValues(metrics.ReasonMalformed).Add(float64(snap.Stats.Malformed))
	a.Metrics.RowsDropped.WithLabelValues(metrics.ReasonProtocol).Add(float64(snap.Unknown))
	a.Metrics.NewConns.Add(float64(len(snap.New)))

	if capErr != nil {
		sum.ReadError = capErr.Error()
		a.Metrics.ReadErrors.Inc()
		a.Log.Warn().Err(capErr).Int("cycle", sum.Cycle).Msg("socket table unavailable")
	}

	for _, rec := range snap.New {
		if ctx.Err() != nil {
			break
		}
		if err := a.Reporter.Report(ctx, rec); err != nil {
			sum.Failed++
			a.Metrics.Reports.WithLabelValues(metrics.ResultFailed).Inc()
			a.Log.Warn().Err(err).Str("conn", rec.String()).Msg("report failed")
			continue
		}
		sum.Reported++
		a.Metrics.Reports.WithLabelValues(metrics.ResultOK).Inc()
		a.Log.Debug().
			Str("conn", rec.String()).
			Str("family", capturer.Family(rec.SourceIP)).
			Msg("connection reported")
	}

	if a.Capturer.Ledger != nil {
		sum.LedgerSize = a.Capturer.Ledger.Len()
		a.Metrics.LedgerSize.Set(float64(sum.LedgerSize))
	}

	a.Log.Info().
		Int("cycle", sum.Cycle).
		Int("rows", sum.Rows).
		Int("new", sum.New).
		Int("reported", sum.Reported).
		Int("failed", sum.Failed).
		Int("dropped", sum.Dropped).
		Msg("cycle complete")
	if info, ierr := a.Capturer.GetInfo(); ierr == nil {
		a.Log.Debug().Msg(info.Summary)
	}

	if a.Sink != nil {
		if serr := a.Sink.Consume(sum); serr != nil {
			a.Log.Warn().Err(serr).Msg("summary sink")
		}
	}
	return sum, nil
}

// shutdown tells the collector the device went offline. Best effort.
func (a *Agent) shutdown(ctx context.Context) {
	a.Log.Info().Int("cycles", a.cycle).Msg("monitoring stopped")
	if !a.Session.Registered {
		return
	}
	if err := a.Reporter.SetStatus(context.WithoutCancel(ctx), "offline"); err != nil {
		a.Log.Debug().Err(err).Msg("offline status not delivered")
	}
}
