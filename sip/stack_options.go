package sip

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/log"
)

// StackOptions configures a [Stack]. The zero value is valid.
type StackOptions struct {
	// DisableAutomaticDialogSupport stops the stack from creating dialogs for
	// INVITE, SUBSCRIBE and REFER transactions.
	DisableAutomaticDialogSupport bool
	// DisableAutomaticDialogErrorHandling passes out-of-order and unmatched in-dialog requests
	// to the listener instead of answering them with 500 or 481.
	DisableAutomaticDialogErrorHandling bool
	// DeliverUnsolicitedNotify passes NOTIFY requests without a matching subscription to the listener.
	DeliverUnsolicitedNotify bool
	// DeliverTerminatedEventForAck wraps ACK requests in a pseudo transaction
	// whose termination is reported to the listener.
	DeliverTerminatedEventForAck bool
	// LooseDialogValidation relaxes the CSeq checks of in-dialog requests.
	// ACK requests whose CSeq does not match the last 2xx response and requests whose CSeq
	// is not above the remote sequence are delivered instead of being dropped or answered 500.
	LooseDialogValidation bool

	// ServerTransactionsLowWaterMark and ServerTransactionsHighWaterMark control admission
	// of new server transactions. Non-positive high mark disables the control.
	ServerTransactionsLowWaterMark  int
	ServerTransactionsHighWaterMark int
	// ClientTransactionsLowWaterMark and ClientTransactionsHighWaterMark make SendRequest wait
	// while the client table is at the high mark until it drops below the low one.
	ClientTransactionsLowWaterMark  int
	ClientTransactionsHighWaterMark int

	// MaxListenerResponseTime is the time the listener has to answer a request
	// before the stack responds 500. Zero disables the limit.
	MaxListenerResponseTime time.Duration

	// DeliveryMode selects serialized or concurrent event delivery.
	DeliveryMode DeliveryMode
	// ThreadPoolSize is the number of delivery workers in concurrent mode. Default is 4.
	ThreadPoolSize int

	// Timings is the SIP timing config. Zero value means RFC 3261 defaults.
	Timings TimingConfig
	// Router resolves destinations of outbound requests. If nil, [DefaultRouter] is used.
	Router Router
	// Scheduler runs all timers. If nil, [timeutil.DefaultScheduler] is used.
	Scheduler *timeutil.Scheduler
	// Log is the logger. If nil, [log.Default] is used.
	Log *slog.Logger

	// MetricsNamespace prefixes metric names. Default is "sip".
	MetricsNamespace string
	// MetricsRegisterer registers the stack metrics. If nil, metrics are collected but not registered.
	MetricsRegisterer prometheus.Registerer
}

const defThreadPoolSize = 4

func (o *StackOptions) autoDialog() bool { return o == nil || !o.DisableAutomaticDialogSupport }

func (o *StackOptions) autoDialogErrors() bool {
	return o == nil || !o.DisableAutomaticDialogErrorHandling
}

func (o *StackOptions) deliverUnsolicitedNotify() bool { return o != nil && o.DeliverUnsolicitedNotify }

func (o *StackOptions) ackTransactions() bool { return o != nil && o.DeliverTerminatedEventForAck }

func (o *StackOptions) looseDialogValidation() bool { return o != nil && o.LooseDialogValidation }

func (o *StackOptions) srvWaterMarks() (low, high int) {
	if o == nil {
		return 0, 0
	}
	return o.ServerTransactionsLowWaterMark, o.ServerTransactionsHighWaterMark
}

func (o *StackOptions) cltWaterMarks() (low, high int) {
	if o == nil {
		return 0, 0
	}
	return o.ClientTransactionsLowWaterMark, o.ClientTransactionsHighWaterMark
}

func (o *StackOptions) responseTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.MaxListenerResponseTime
}

func (o *StackOptions) deliveryMode() DeliveryMode {
	if o == nil {
		return DeliverySerialized
	}
	return o.DeliveryMode
}

func (o *StackOptions) threadPoolSize() int {
	if o == nil || o.ThreadPoolSize <= 0 {
		return defThreadPoolSize
	}
	return o.ThreadPoolSize
}

func (o *StackOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *StackOptions) scheduler() *timeutil.Scheduler {
	if o == nil || o.Scheduler == nil {
		return timeutil.DefaultScheduler()
	}
	return o.Scheduler
}

func (o *StackOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *StackOptions) router(logger *slog.Logger) Router {
	if o == nil || o.Router == nil {
		return &DefaultRouter{Log: logger}
	}
	return o.Router
}

func (o *StackOptions) metrics() *Metrics {
	if o == nil {
		return NewMetrics("", nil)
	}
	return NewMetrics(o.MetricsNamespace, o.MetricsRegisterer)
}
