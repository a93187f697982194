package terminal

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/zeke-tools/kscope/pkg/config"
)

func TestPagerTooTall(t *testing.T) {
	p := &pager{lines: 3, columns: 10}
	if p.tooTall([]byte("a\nb\nc\n")) {
		t.Fatal("three lines reported as too tall")
	}
	if !p.tooTall([]byte("a\nb\nc\nd\n")) {
		t.Fatal("four lines not reported as too tall")
	}
	// Long lines wrap, wide characters take two columns.
	if !p.tooTall([]byte(strings.Repeat("x", 45))) {
		t.Fatal("wrapped line not reported as too tall")
	}
	if p.tooTall([]byte("世界世界世界\na\n")) {
		t.Fatal("wide line counted as more than two rows")
	}
	if !p.tooTall([]byte("世界世界世界\na\nb\n")) {
		t.Fatal("wide line not wrapped")
	}
	p.lines = 0
	if p.tooTall([]byte("a\nb\nc\nd\n")) {
		t.Fatal("unknown window size reported as too tall")
	}
}

func TestPagerNotTerminal(t *testing.T) {
	t.Setenv("KSCOPE_PAGER", "")
	var buf bytes.Buffer
	p := &pager{w: &buf}
	p.Hold()
	if p.held {
		t.Fatalf("output held for a buffer")
	}
	p.Write([]byte("hello\n"))
	p.Flush()
	if buf.String() != "hello\n" {
		t.Fatalf("output %q", buf.String())
	}
}

func TestPagerFlush(t *testing.T) {
	var buf bytes.Buffer
	p := &pager{w: &buf, held: true, lines: 10, columns: 80}
	p.Write([]byte("a\n"))
	if buf.Len() != 0 {
		t.Fatalf("held output written: %q", buf.String())
	}
	p.Flush()
	if buf.String() != "a\n" {
		t.Fatalf("output %q", buf.String())
	}

	// Output that does not fit is written directly when the pager can not
	// be started.
	buf.Reset()
	p = &pager{w: &buf, held: true, lines: 1, columns: 80, command: filepath.Join(t.TempDir(), "nopager")}
	p.Write([]byte("a\nb\n"))
	p.Flush()
	if buf.String() != "a\nb\n" || p.held {
		t.Fatalf("output %q, held %v", buf.String(), p.held)
	}
}

func TestExecuteColorsErrors(t *testing.T) {
	k, _, _ := procKernel()
	term := newFakeTerminal(t, k, nil)
	term.colorErrors = true
	term.execute("frobnicate")
	want := "\033[31mCommand failed: command not available\033[0m\n"
	if got := term.errout.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNewInvalidPrinters(t *testing.T) {
	k, _, _ := procKernel()
	conf := &config.Config{Printers: []config.PrinterConfig{{Name: "bad", Pattern: "(", Fields: []config.PrinterField{{Label: "a", Paths: []string{"a"}}}}}}
	_, err := New(k.Target(), conf)
	if err == nil || !strings.HasPrefix(err.Error(), "invalid printer configuration: ") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestGuardSIGINTStops(t *testing.T) {
	k, _, _ := procKernel()
	term := newFakeTerminal(t, k, nil)
	stop := term.guardSIGINT()
	stop()
	goleak.VerifyNone(t)
}
