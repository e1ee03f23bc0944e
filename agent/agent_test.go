package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaewooli/connwatch/capturer"
	"github.com/jaewooli/connwatch/metrics"
	"github.com/jaewooli/connwatch/reporter"
)

// countingReader wraps a reader and counts Read calls.
type countingReader struct {
	capturer.Reader
	calls   atomic.Int32
	onRead  func(n int32)
	panicAt int32
}

func (c *countingReader) Read(ctx context.Context) ([]capturer.RawSocket, capturer.ReadStats, error) {
	n := c.calls.Add(1)
	if c.onRead != nil {
		c.onRead(n)
	}
	if c.panicAt != 0 && n == c.panicAt {
		panic("reader exploded")
	}
	return c.Reader.Read(ctx)
}

// windowsNetstat returns a tool reader that always prints the given rows.
func windowsNetstat(out string) *capturer.ToolReader {
	r := capturer.NewToolReader(capturer.WindowsDialect)
	r.LookPathFn = nil
	r.RunFn = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(out), nil
	}
	return r
}

type fakeReporter struct {
	regErr    error
	reportErr error
	reported  []capturer.ConnRecord
	statuses  []string
}

func (f *fakeReporter) Register(context.Context) (reporter.Registration, error) {
	if f.regErr != nil {
		return reporter.Registration{}, f.regErr
	}
	return reporter.Registration{ID: "dev-1"}, nil
}

func (f *fakeReporter) Report(_ context.Context, rec capturer.ConnRecord) error {
	if f.reportErr != nil {
		return f.reportErr
	}
	f.reported = append(f.reported, rec)
	return nil
}

func (f *fakeReporter) SetStatus(_ context.Context, status string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

type collector struct {
	srv         *httptest.Server
	registerOK  bool
	connections atomic.Int32
	statuses    atomic.Int32
	hang        chan struct{}
}

func newCollector(t *testing.T, registerOK bool, hang chan struct{}) *collector {
	t.Helper()
	c := &collector{registerOK: registerOK, hang: hang}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/monitor/register":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": c.registerOK, "data": map[string]any{"id": "42"}})
		case "/api/monitor/connections":
			c.connections.Add(1)
			if c.hang != nil {
				select {
				case <-c.hang:
				case <-r.Context().Done():
				}
				return
			}
			_, _ = w.Write([]byte(`{"success":true}`))
		case "/api/monitor/status":
			c.statuses.Add(1)
			_, _ = w.Write([]byte(`{"success":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func newTestAgent(t *testing.T, r capturer.Reader, rep Reporter) *Agent {
	t.Helper()
	sess := &Session{ServerURL: "http://collector", Token: "tok", DeviceName: "dev", RefreshInterval: 10 * time.Millisecond}
	return New(sess, capturer.NewConnCapturer(r), rep, zerolog.Nop())
}

func TestRegistrationFailureNeverStartsPolling(t *testing.T) {
	col := newCollector(t, false, nil)
	reader := &countingReader{Reader: windowsNetstat("TCP 127.0.0.1:8080 0.0.0.0:0\n")}

	a := newTestAgent(t, reader, reporter.New(col.srv.URL, "tok", "dev"))
	err := a.Run(context.Background())

	require.ErrorIs(t, err, ErrRegistrationFailed)
	assert.ErrorIs(t, err, reporter.ErrRejected)
	assert.False(t, a.Session.Registered)
	assert.Zero(t, reader.calls.Load())
	assert.Zero(t, col.connections.Load())
}

func TestSameConnectionReportedOnceAcrossCycles(t *testing.T) {
	col := newCollector(t, true, nil)
	reader := &countingReader{Reader: windowsNetstat("  TCP    127.0.0.1:8080    0.0.0.0:0    LISTENING\n")}
	a := newTestAgent(t, reader, reporter.New(col.srv.URL, "tok", "dev"))

	require.NoError(t, a.Register(context.Background()))
	assert.Equal(t, "42", a.Session.DeviceID)

	first, err := a.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.New)
	assert.Equal(t, 1, first.Reported)
	assert.EqualValues(t, 1, col.connections.Load())

	second, err := a.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Cycle)
	assert.Equal(t, 1, second.Records)
	assert.Zero(t, second.New)
	assert.Zero(t, second.Reported)
	assert.EqualValues(t, 1, col.connections.Load())
	assert.EqualValues(t, 2, reader.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.LedgerSize))
}

func TestReportTimeoutStaysInsideCycle(t *testing.T) {
	hang := make(chan struct{})
	col := newCollector(t, true, hang)
	defer close(hang)

	rep := reporter.New(col.srv.URL, "tok", "dev")
	rep.ReportTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &countingReader{
		Reader: windowsNetstat("TCP 10.0.0.5:443 10.0.0.9:50000 ESTABLISHED\n"),
		onRead: func(n int32) {
			if n == 2 {
				cancel()
			}
		},
	}
	a := newTestAgent(t, reader, rep)

	err := a.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, reader.calls.Load(), int32(2))
	assert.EqualValues(t, 1, col.connections.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.Reports.WithLabelValues(metrics.ResultFailed)))
}

func TestRunStopsOnCancelAndReportsOffline(t *testing.T) {
	rep := &fakeReporter{}
	ctx, cancel := context.WithCancel(context.Background())
	reader := &countingReader{
		Reader: windowsNetstat("UDP 0.0.0.0:500 *:*\n"),
		onRead: func(n int32) {
			if n == 3 {
				cancel()
			}
		},
	}
	a := newTestAgent(t, reader, rep)

	err := a.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, a.Session.Registered)
	assert.Equal(t, "dev-1", a.Session.DeviceID)
	assert.Equal(t, []capturer.ConnRecord{
		{SourceIP: "0.0.0.0", SourcePort: 500, DestIP: "0.0.0.0", DestPort: 0, Protocol: capturer.ProtoUDP},
	}, rep.reported)
	assert.Equal(t, []string{"offline"}, rep.statuses)
}

func TestCycleRecoversFromPanic(t *testing.T) {
	rep := &fakeReporter{}
	reader := &countingReader{Reader: windowsNetstat("TCP 1.2.3.4:80 5.6.7.8:9000\n"), panicAt: 1}
	a := newTestAgent(t, reader, rep)

	_, err := a.RunCycle(context.Background())
	assert.EqualError(t, err, "cycle 1 panicked: reader exploded")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.CycleFailures))

	sum, err := a.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Reported)
}

func TestReadFailuresAndFailedReportsAreCounted(t *testing.T) {
	rep := &fakeReporter{reportErr: errors.New("HTTP 500")}
	a := newTestAgent(t, capturer.UnsupportedReader{GOOS: "plan9"}, rep)

	sum, err := a.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Contains(t, sum.ReadError, "unsupported platform")
	assert.Zero(t, sum.New)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.ReadErrors))

	b := newTestAgent(t, windowsNetstat("TCP 1.2.3.4:80 5.6.7.8:9000\nTCP broken\nICMP 1.2.3.4:0 x\n"), rep)
	sum, err = b.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.New)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Dropped)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Metrics.RowsDropped.WithLabelValues(metrics.ReasonMalformed)))

	// a failed report is not retried: the connection is already in the ledger
	rep.reportErr = nil
	sum, err = b.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.New)
	assert.Empty(t, rep.reported)
}

func TestRunRequiresCollaborators(t *testing.T) {
	a := &Agent{}
	assert.EqualError(t, a.Run(context.Background()), "agent: Session is nil")

	a.Session = &Session{}
	assert.EqualError(t, a.Run(context.Background()), "agent: Capturer has no Reader")
}

func TestCycleSummaryGoesToSink(t *testing.T) {
	sink := &memSink{}
	a := newTestAgent(t, windowsNetstat("TCP 1.2.3.4:80 5.6.7.8:9000\n"), &fakeReporter{})
	a.Sink = sink

	_, err := a.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, sink.got, 1)
	assert.Equal(t, 1, sink.got[0].Reported)
	assert.Equal(t, "windows", sink.got[0].Reader)
}

type memSink struct{ got []CycleSummary }

func (m *memSink) Consume(s CycleSummary) error {
	m.got = append(m.got, s)
	return nil
}
