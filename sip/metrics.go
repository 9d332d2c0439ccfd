package sip

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a [Stack]. A nil *Metrics records nothing.
type Metrics struct {
	txsTotal    *prometheus.CounterVec
	txsActive   *prometheus.GaugeVec
	txDuration  *prometheus.HistogramVec
	txTimeouts  *prometheus.CounterVec
	dlgsTotal   prometheus.Counter
	dlgsActive  prometheus.Gauge
	dlgDuration prometheus.Histogram
	msgsSent    *prometheus.CounterVec
	msgsRecv    *prometheus.CounterVec
	retrans     *prometheus.CounterVec
	autoRes     *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	panics      prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg leaves them unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "sip"
	}
	f := promauto.With(reg)
	return &Metrics{
		txsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Total number of created transactions.",
		}, []string{"type"}),
		txsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_active",
			Help:      "Number of transactions in the transaction tables.",
		}, []string{"type"}),
		txDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Lifetime of transactions.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 32, 64},
		}, []string{"type"}),
		txTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_timeouts_total",
			Help:      "Total number of transaction timeout notifications.",
		}, []string{"type", "timeout"}),
		dlgsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogs_total",
			Help:      "Total number of established dialogs.",
		}),
		dlgsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dialogs_active",
			Help:      "Number of dialogs in the dialog table.",
		}),
		dlgDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dialog_duration_seconds",
			Help:      "Lifetime of established dialogs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800, 3600},
		}),
		msgsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of sent messages.",
		}, []string{"kind", "method", "status"}),
		msgsRecv: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of received messages.",
		}, []string{"kind", "method", "status"}),
		retrans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retransmissions_total",
			Help:      "Total number of request retransmissions absorbed by server transactions.",
		}, []string{"method"}),
		autoRes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_responses_total",
			Help:      "Total number of responses generated by the stack on its own.",
		}, []string{"status"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of dropped messages and events.",
		}, []string{"reason"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Total number of requests rejected by table admission control.",
		}, []string{"table"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Total number of events delivered to the listener.",
		}, []string{"event"}),
		panics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Total number of recovered listener panics.",
		}),
	}
}

func messageLabels(msg Message) []string {
	switch m := msg.(type) {
	case *Request:
		return []string{"request", string(m.Method), ""}
	case *Response:
		var method string
		if cseq, ok := m.Headers.CSeq(); ok {
			method = string(cseq.Method)
		}
		return []string{"response", method, strconv.Itoa(int(m.Status))}
	default:
		return []string{"unknown", "", ""}
	}
}

func (m *Metrics) messageSent(msg Message) {
	if m == nil {
		return
	}
	m.msgsSent.WithLabelValues(messageLabels(msg)...).Inc()
}

func (m *Metrics) messageReceived(msg Message) {
	if m == nil {
		return
	}
	m.msgsRecv.WithLabelValues(messageLabels(msg)...).Inc()
}

func (m *Metrics) requestRetransmitted(method RequestMethod) {
	if m == nil {
		return
	}
	m.retrans.WithLabelValues(string(method)).Inc()
}

func (m *Metrics) autoResponse(status ResponseStatus) {
	if m == nil {
		return
	}
	m.autoRes.WithLabelValues(strconv.Itoa(int(status))).Inc()
}

func (m *Metrics) messageDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) admissionRejected(table string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(table).Inc()
}

func (m *Metrics) transactionCreated(typ TransactionType) {
	if m == nil {
		return
	}
	m.txsTotal.WithLabelValues(string(typ)).Inc()
	m.txsActive.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) transactionTerminated(typ TransactionType, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.txsActive.WithLabelValues(string(typ)).Dec()
	m.txDuration.WithLabelValues(string(typ)).Observe(lifetime.Seconds())
}

func (m *Metrics) transactionTimeout(typ TransactionType, timeout Timeout) {
	if m == nil {
		return
	}
	m.txTimeouts.WithLabelValues(string(typ), string(timeout)).Inc()
}

func (m *Metrics) dialogEstablished() {
	if m == nil {
		return
	}
	m.dlgsTotal.Inc()
	m.dlgsActive.Inc()
}

func (m *Metrics) dialogTerminated(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.dlgsActive.Dec()
	m.dlgDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) eventDelivered(kind eventKind) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) listenerPanic() {
	if m == nil {
		return
	}
	m.panics.Inc()
}
