package log_test

import (
	"log/slog"
	"testing"

	"github.com/ghettovoice/sipcore/log"
)

func TestDefault(t *testing.T) {
	if log.Default() != log.Def {
		t.Fatal("log.Default() != log.Def")
	}

	log.SetDefault(log.Noop)
	if log.Default() != log.Noop {
		t.Fatal("log.Default() != log.Noop after SetDefault")
	}
	if log.Noop.Enabled(t.Context(), slog.LevelError) {
		t.Error("log.Noop.Enabled() = true, want false")
	}

	log.SetDefault(nil)
	if log.Default() != log.Def {
		t.Fatal("log.Default() != log.Def after reset")
	}
}

func TestCalcValue(t *testing.T) {
	t.Parallel()

	calls := 0
	v := log.CalcValue(func() any { calls++; return 42 })
	if calls != 0 {
		t.Fatalf("value computed eagerly")
	}
	if got := v.LogValue().Int64(); got != 42 || calls != 1 {
		t.Fatalf("LogValue() = %d (calls %d), want 42 (calls 1)", got, calls)
	}
	if got := log.StringValue([]byte("abc")).LogValue().String(); got != "abc" {
		t.Fatalf("StringValue().LogValue() = %q, want %q", got, "abc")
	}
}
