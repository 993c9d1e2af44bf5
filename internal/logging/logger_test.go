package logging

import "testing"

type capturingLogger struct {
	debugs, infos, warns, errors int
}

func (c *capturingLogger) Debug(string, ...any) { c.debugs++ }
func (c *capturingLogger) Info(string, ...any)  { c.infos++ }
func (c *capturingLogger) Warn(string, ...any)  { c.warns++ }
func (c *capturingLogger) Error(string, ...any) { c.errors++ }

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("OrNop(nil) must return a usable logger")
	}
	var typed *capturingLogger
	got := OrNop(typed)
	got.Info("must not panic")
	c := &capturingLogger{}
	if OrNop(c) != Logger(c) {
		t.Fatalf("OrNop must pass through non-nil loggers")
	}
}

func TestMultiFanOutAndFlatten(t *testing.T) {
	a := &capturingLogger{}
	b := &capturingLogger{}
	m := Multi(a, nil, Multi(b))
	m.Info("one")
	m.Error("two")
	if a.infos != 1 || b.infos != 1 || a.errors != 1 || b.errors != 1 {
		t.Fatalf("fan-out miscounted: a=%+v b=%+v", a, b)
	}
	if Multi() != Nop() {
		t.Fatalf("empty Multi should collapse to Nop")
	}
	if Multi(a) != Logger(a) {
		t.Fatalf("single Multi should collapse to the logger itself")
	}
}
