package terminal

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
)

// pager is the standard output of the terminal. Between Hold and Flush the
// output of a command line is kept in memory; Flush writes it to w, or
// through an external pager when it does not fit in the window.
type pager struct {
	w       io.Writer
	held    bool
	buf     bytes.Buffer
	command string

	lines, columns int
}

func (p *pager) Write(b []byte) (int, error) {
	if p.held {
		return p.buf.Write(b)
	}
	return p.w.Write(b)
}

// Hold starts keeping output in memory. It does nothing unless w is a
// terminal or KSCOPE_PAGER names a pager.
func (p *pager) Hold() {
	if p.held {
		return
	}
	command := os.Getenv("KSCOPE_PAGER")
	if command == "" {
		stdout, _ := p.w.(*os.File)
		if stdout == nil || !isatty.IsTerminal(stdout.Fd()) || strings.EqualFold(os.Getenv("TERM"), "dumb") {
			return
		}
		if command = os.Getenv("PAGER"); command == "" {
			command = "more"
		}
	}
	if !p.getWindowSize() {
		return
	}
	p.command = command
	p.held = true
}

// Flush writes the output kept since Hold.
func (p *pager) Flush() {
	if !p.held {
		return
	}
	p.held = false
	defer p.buf.Reset()
	if p.tooTall(p.buf.Bytes()) && p.page(p.buf.Bytes()) == nil {
		return
	}
	p.w.Write(p.buf.Bytes())
}

func (p *pager) page(out []byte) error {
	argv := strings.Fields(p.command)
	if len(argv) == 0 {
		return exec.ErrNotFound
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(out)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// tooTall reports whether out, wrapped at the window width, has more lines
// than the window.
func (p *pager) tooTall(out []byte) bool {
	if p.lines <= 0 || p.columns <= 0 {
		return false
	}
	rows := 0
	for _, line := range strings.Split(strings.TrimSuffix(string(out), "\n"), "\n") {
		rows += 1 + (runewidth.StringWidth(line)-1)/p.columns
		if rows > p.lines {
			return true
		}
	}
	return false
}
