package sound

import (
	"bytes"
	"testing"
	"time"

	"clofri/internal/infra/clock"
)

type prefs bool

func (p prefs) SoundEnabled() bool { return bool(p) }

func TestBell(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		prefs Prefs
		plays []time.Duration // смещения вызовов Play
		want  int
	}{
		{name: "enabled", prefs: prefs(true), plays: []time.Duration{0}, want: 1},
		{name: "disabled", prefs: prefs(false), plays: []time.Duration{0, time.Second}, want: 0},
		{name: "nil prefs", prefs: nil, plays: []time.Duration{0}, want: 1},
		{name: "burst coalesced", prefs: prefs(true), plays: []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}, want: 1},
		{name: "spaced", prefs: prefs(true), plays: []time.Duration{0, time.Second, 2 * time.Second}, want: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
			var buf bytes.Buffer
			b := NewBell(&buf, tc.prefs, clk)
			var prev time.Duration
			for _, at := range tc.plays {
				clk.Advance(at - prev)
				prev = at
				b.Play()
			}
			if got := bytes.Count(buf.Bytes(), []byte{'\a'}); got != tc.want {
				t.Fatalf("bells = %d, want %d", got, tc.want)
			}
		})
	}
}
