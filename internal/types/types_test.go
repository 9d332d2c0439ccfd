package types_test

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/internal/types"
)

func TestDeque(t *testing.T) {
	t.Parallel()

	var d types.Deque[int]
	if !d.IsEmpty() {
		t.Fatal("d.IsEmpty() = false, want true")
	}
	for i := range 3 {
		d.Append(i)
	}
	if v, ok := d.PopFirst(); !ok || v != 0 {
		t.Fatalf("d.PopFirst() = (%d, %v), want (0, true)", v, ok)
	}
	d.Append(3)
	if diff := cmp.Diff([]int{1, 2, 3}, d.Drain()); diff != "" {
		t.Fatalf("d.Drain() mismatch (-want +got):\n%s", diff)
	}
	if _, ok := d.PopFirst(); ok {
		t.Fatal("d.PopFirst() on empty deque returned ok")
	}
}

func TestCallbackManager(t *testing.T) {
	t.Parallel()

	var m types.CallbackManager[func() int]
	m.Add(func() int { return 1 })
	remove := m.Add(func() int { return 2 })
	m.Add(func() int { return 3 })

	call := func() []int {
		var out []int
		for fn := range m.All() {
			out = append(out, fn())
		}
		return out
	}

	if diff := cmp.Diff([]int{1, 2, 3}, call()); diff != "" {
		t.Fatalf("callbacks mismatch (-want +got):\n%s", diff)
	}
	remove()
	remove()
	if diff := cmp.Diff([]int{1, 3}, call()); diff != "" {
		t.Fatalf("callbacks after remove mismatch (-want +got):\n%s", diff)
	}
	if got := m.Len(); got != 2 {
		t.Fatalf("m.Len() = %d, want 2", got)
	}
}

func TestValues(t *testing.T) {
	t.Parallel()

	vals := types.ParseValues(`branch=z9hG4bK1;RPort;received="1.2.3.4"`, ';')
	if !vals.Has("rport") {
		t.Error(`vals.Has("rport") = false, want true`)
	}
	if v, _ := vals.Last("Branch"); v != "z9hG4bK1" {
		t.Errorf(`vals.Last("Branch") = %q, want "z9hG4bK1"`, v)
	}
	if got, want := vals.Render(';'), `;branch=z9hG4bK1;received="1.2.3.4";rport`; got != want {
		t.Errorf("vals.Render(';') = %q, want %q", got, want)
	}

	hdrs := types.Values{}
	hdrs.Append("subject", "x").Append("priority", "urgent")
	if got, want := hdrs.Render('&'), "priority=urgent&subject=x"; got != want {
		t.Errorf("hdrs.Render('&') = %q, want %q", got, want)
	}

	clone := vals.Clone()
	clone.Set("branch", "other")
	if v, _ := vals.Last("branch"); v != "z9hG4bK1" {
		t.Errorf("clone modified the original: branch = %q", v)
	}
}

func TestRequestMethod(t *testing.T) {
	t.Parallel()

	dialogCreating := []types.RequestMethod{types.RequestMethodInvite, types.RequestMethodSubscribe, types.RequestMethodRefer}
	for _, m := range []types.RequestMethod{
		types.RequestMethodInvite, types.RequestMethodBye, types.RequestMethodSubscribe,
		types.RequestMethodRefer, types.RequestMethodOptions, types.RequestMethodNotify,
	} {
		if got, want := m.CreatesDialog(), slices.Contains(dialogCreating, m); got != want {
			t.Errorf("%s.CreatesDialog() = %v, want %v", m, got, want)
		}
	}
	if types.RequestMethod("IN VITE").IsValid() {
		t.Error(`RequestMethod("IN VITE").IsValid() = true, want false`)
	}
}
