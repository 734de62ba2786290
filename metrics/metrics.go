// Package metrics exposes prometheus counters for the expansion session
// state machine, grounded on the same per-package counter-var idiom the
// surrounding mail stack uses for its own pipeline metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lka",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Number of recipient-expansion sessions started.",
		},
	)
	sessionsCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lka",
			Subsystem: "session",
			Name:      "committed_total",
			Help:      "Number of sessions that committed a non-empty delivery list.",
		},
	)
	sessionsErrored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lka",
			Subsystem: "session",
			Name:      "errored_total",
			Help:      "Number of sessions that terminated in error, by SMTP code.",
		},
		[]string{"code"},
	)
	depthExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lka",
			Subsystem: "session",
			Name:      "depth_exceeded_total",
			Help:      "Number of nodes rejected for exceeding the expansion depth cap.",
		},
	)
	forwardRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lka",
			Subsystem: "forward",
			Name:      "requests_total",
			Help:      "Number of forward-file open requests dispatched to the helper.",
		},
	)
	forwardUnknownSession = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lka",
			Subsystem: "forward",
			Name:      "unknown_session_total",
			Help:      "Number of forward_reply deliveries addressed to an unregistered session id.",
		},
	)
	envelopesCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lka",
			Subsystem: "queue",
			Name:      "envelopes_submitted_total",
			Help:      "Number of delivery envelopes submitted to the outbound queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		sessionsStarted,
		sessionsCommitted,
		sessionsErrored,
		depthExceeded,
		forwardRequests,
		forwardUnknownSession,
		envelopesCommitted,
	)
}

// SessionStarted records the start of a new session.
func SessionStarted() { sessionsStarted.Inc() }

// SessionCommitted records a session that reached DONE via a successful
// commit.
func SessionCommitted() { sessionsCommitted.Inc() }

// SessionErrored records a session that reached DONE via the error path,
// tagged with the final SMTP reply code.
func SessionErrored(code int) {
	sessionsErrored.WithLabelValues(codeLabel(code)).Inc()
}

// DepthExceeded records a node rejected for violating the expansion depth
// cap (invariant I1).
func DepthExceeded() { depthExceeded.Inc() }

// ForwardRequested records a dispatched forward-open request.
func ForwardRequested() { forwardRequests.Inc() }

// ForwardUnknownSession records a forward_reply addressed to a session id
// the registry no longer (or never did) recognize.
func ForwardUnknownSession() { forwardUnknownSession.Inc() }

// EnvelopesSubmitted adds n committed delivery envelopes to the running
// total.
func EnvelopesSubmitted(n int) { envelopesCommitted.Add(float64(n)) }

func codeLabel(code int) string {
	switch code {
	case 530:
		return "530"
	case 451:
		return "451"
	default:
		return "other"
	}
}
