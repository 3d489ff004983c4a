package metrics

import (
	"time"

	"github.com/keithlinneman/formhub-edge/internal/httpmw"
)

// Hook outcomes, see pipeline.Metrics.

func (m *ServerMetrics) IncLocaleRewrite()            { m.localeRewrites.Inc() }
func (m *ServerMetrics) IncDateHeaderDropped()        { m.datesDropped.Inc() }
func (m *ServerMetrics) IncMethodNotAllowedRendered() { m.rendered405.Inc() }
func (m *ServerMetrics) IncUserAnnotation()           { m.userAnnotations.Inc() }
func (m *ServerMetrics) IncExceptionReported()        { m.reported.Inc() }

// IncExceptionReportFailure matches httpmw.ExceptionReporter.OnFailure.
func (m *ServerMetrics) IncExceptionReportFailure(err *httpmw.ReportError) {
	m.reportFailures.WithLabelValues(err.Op).Inc()
}

// IncAuthResult counts a basic auth outcome: ok, invalid or anonymous.
func (m *ServerMetrics) IncAuthResult(result string) { m.authResults.WithLabelValues(result).Inc() }

// Credentials watcher, see auth.WatcherMetrics.

func (m *ServerMetrics) IncUsersPolls()             { m.usersPolls.Inc() }
func (m *ServerMetrics) IncUsersSwaps()             { m.usersSwaps.Inc() }
func (m *ServerMetrics) IncUsersError(stage string) { m.usersErrors.WithLabelValues(stage).Inc() }
func (m *ServerMetrics) SetUsersLoaded(n int)       { m.usersLoaded.Set(float64(n)) }

func (m *ServerMetrics) SetUsersLoadedTimestamp(t time.Time) {
	m.usersLoadedAt.Set(float64(t.Unix()))
}

// SetUsersSource replaces the previous source label.
func (m *ServerMetrics) SetUsersSource(source string) {
	m.usersSource.Reset()
	m.usersSource.WithLabelValues(source).Set(1)
}

// IncAdminRejected matches opshttp.Options.OnRejected.
func (m *ServerMetrics) IncAdminRejected(reason string) { m.adminDeny.WithLabelValues(reason).Inc() }
