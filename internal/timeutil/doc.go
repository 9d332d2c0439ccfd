// Package timeutil implements the timer engine used by transactions and dialogs.
//
// A [Scheduler] runs on top of a [Clock] and hands out [Timer] handles which can be
// one-shot ([Scheduler.AfterFunc]), periodic ([Scheduler.Every]) or exponentially
// backing off up to a ceiling ([Scheduler.Backoff]). Every handle is cancellable.
//
// [RealClock] is backed by the runtime timers. [FakeClock] is a manually advanced
// clock which fires due callbacks synchronously from [FakeClock.Advance], which makes
// retransmission sequences deterministic in tests.
package timeutil
