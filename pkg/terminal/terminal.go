package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/zeke-tools/kscope/pkg/config"
	"github.com/zeke-tools/kscope/pkg/format"
	"github.com/zeke-tools/kscope/pkg/logflags"
	"github.com/zeke-tools/kscope/pkg/target"
	"github.com/zeke-tools/kscope/pkg/terminal/starbind"
	"github.com/zeke-tools/kscope/pkg/walk"
)

const (
	historyFile                 string = ".kscope_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const ansiRed = 31

// Term represents the terminal running kscope.
type Term struct {
	tgt         *target.Target
	conf        *config.Config
	registry    *format.Registry
	prompt      string
	line        *liner.State
	cmds        *Commands
	dumb        bool
	stdout      *pager
	stderr      io.Writer
	colorErrors bool
	starlarkEnv *starbind.Env
	log         *logrus.Entry

	InitFile string
}

// New returns a new Term inspecting tgt. The record printers defined in
// conf are registered after the built-in ones.
func New(tgt *target.Target, conf *config.Config) (*Term, error) {
	if conf == nil {
		conf = &config.Config{}
	}

	cmds := KernelCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	var w, ew io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	if dumb {
		w, ew = os.Stdout, os.Stderr
	} else {
		w, ew = colorable.NewColorableStdout(), colorable.NewColorableStderr()
	}

	t := &Term{
		tgt:         tgt,
		conf:        conf,
		prompt:      "(kscope) ",
		cmds:        cmds,
		dumb:        dumb,
		stdout:      &pager{w: w},
		stderr:      ew,
		colorErrors: !dumb && isatty.IsTerminal(os.Stderr.Fd()),
		log:         logflags.TerminalLogger(),
	}
	if err := t.reload(); err != nil {
		return nil, err
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	return t, nil
}

// reload rebuilds the record printers after a configuration change.
func (t *Term) reload() error {
	r := format.NewRegistry(t.walkOptions())
	if err := r.RegisterConfig(t.conf.Printers); err != nil {
		return fmt.Errorf("invalid printer configuration: %w", err)
	}
	t.registry = r
	return nil
}

func (t *Term) walkOptions() walk.Options {
	return walk.Options{MaxNodes: t.conf.Settings().MaxNodes}
}

// CheckPrinters verifies that the record printers refer to types and
// fields defined by the target's debug info.
func (t *Term) CheckPrinters() error {
	return t.registry.Validate(t.tgt)
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
		t.line = nil
	}
}

// guardSIGINT interrupts running scripts on SIGINT until the returned
// function is called.
func (t *Term) guardSIGINT() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
			t.log.Debug("received SIGINT")
			t.starlarkEnv.Cancel()
		}
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
		<-done
	}
}

// Run begins running kscope in the terminal.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	t.line.SetCtrlCAborts(true)
	defer t.Close()

	defer t.guardSIGINT()()

	t.line.SetCompleter(func(line string) []string {
		return t.cmds.Completions(line)
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Fprintf(t.stderr, "Unable to load history file: %v.\n", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Fprintf(t.stderr, "Unable to open history file: %v. History will not be saved for this session.\n", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.stdout, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(t.stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		t.stdout.Hold()
		exit := t.execute(cmdstr)
		t.stdout.Flush()
		if exit {
			return t.handleExit()
		}
	}
}

// execute runs one command line, reporting its failure on a single line.
// It returns true if the user asked to exit.
func (t *Term) execute(cmdstr string) bool {
	err := t.cmds.Call(cmdstr, t)
	if err == nil {
		return false
	}
	if _, ok := err.(ExitRequestError); ok {
		return true
	}
	msg := fmt.Sprintf("Command failed: %s", err)
	if t.colorErrors {
		msg = fmt.Sprintf(terminalHighlightEscapeCode, ansiRed) + msg + terminalResetEscapeCode
	}
	fmt.Fprintln(t.stderr, msg)
	return false
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Fprintln(t.stderr, "Error saving history file:", err)
		return 0, nil
	}
	if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_TRUNC, 0666); err == nil {
		_, err = t.line.WriteHistory(f)
		if err != nil {
			fmt.Fprintln(t.stderr, "readline history error:", err)
		}
		f.Close()
	}
	return 0, nil
}
