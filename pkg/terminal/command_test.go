package terminal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/zeke-tools/kscope/pkg/config"
	"github.com/zeke-tools/kscope/pkg/target"
	"github.com/zeke-tools/kscope/pkg/target/test"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type FakeTerminal struct {
	*Term
	t      testing.TB
	out    bytes.Buffer
	errout bytes.Buffer
}

func newFakeTerminal(t testing.TB, k *test.Kernel, conf *config.Config) *FakeTerminal {
	if conf == nil {
		conf = &config.Config{}
	}
	term, err := New(k.Target(), conf)
	if err != nil {
		t.Fatalf("could not create terminal: %v", err)
	}
	ft := &FakeTerminal{Term: term, t: t}
	term.stdout.w = &ft.out
	term.stderr = &ft.errout
	term.colorErrors = false
	return ft
}

func (ft *FakeTerminal) Exec(cmdstr string) (outstr string, err error) {
	ft.out.Reset()
	err = ft.cmds.Call(cmdstr, ft.Term)
	return ft.out.String(), err
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Errorf("output of %q: %q", cmdstr, outstr)
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExec(cmdstr, tgt string) {
	ft.t.Helper()
	out := ft.MustExec(cmdstr)
	if diff := cmp.Diff(tgt, out); diff != "" {
		ft.t.Fatalf("output of %q mismatch (-want +got):\n%s", cmdstr, diff)
	}
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	ft.t.Helper()
	out, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if err.Error() != tgterr {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
	if out != "" {
		ft.t.Fatalf("failed command %q wrote %q", cmdstr, out)
	}
}

// procKernel builds a process table with init (1) and its child sh (3);
// slot 2 is free.
func procKernel() (*test.Kernel, uint64, uint64) {
	k := test.NewKernel(4)
	p1 := k.NewProc(1, "init", 0)
	p3 := k.NewProc(3, "sh", p1)
	return k, p1, p3
}

const (
	initFmt = `{PID: 1, name: "init", state: PROC_STATE_INITIAL, priority: 0, exit_c/s: 0/0, parent: NULL, main thread: NULL, pgrp: NULL}`
	shFmt   = `{PID: 3, name: "sh", state: PROC_STATE_INITIAL, priority: 0, exit_c/s: 0/0, parent: 1, main thread: NULL, pgrp: NULL}`
)

func TestHelp(t *testing.T) {
	k, _, _ := procKernel()
	term := newFakeTerminal(t, k, nil)
	out := term.MustExec("help")
	for _, s := range []string{"Walking kernel data structures:", "print-proc pid", "print-queue tailq", "examinemem (alias: x)"} {
		if !strings.Contains(out, s) {
			t.Errorf("help output does not contain %q:\n%s", s, out)
		}
	}
	out = term.MustExec("help print-proc tree")
	if !strings.HasPrefix(out, "Print the process tree.") {
		t.Errorf("help print-proc tree: %q", out)
	}
	term.AssertExecError("help nosuch", "command not available")
}

func TestPrintAndWhatis(t *testing.T) {
	k, _, _ := procKernel()
	term := newFakeTerminal(t, k, nil)
	term.AssertExec("print (*_procarr)[3]->pid", "3\n")
	term.AssertExec("p act_maxproc", "4\n")
	term.AssertExec("whatis (*_procarr)[1]->pid", "pid_t\nReal type: int\n")
	term.AssertExec("whatis act_maxproc", "int\n")
	if _, err := term.Exec("print nosuch_symbol"); err == nil {
		t.Fatal("print of an unknown symbol succeeded")
	}
}

func TestPrintProcPid(t *testing.T) {
	k, p1, p3 := procKernel()
	term := newFakeTerminal(t, k, nil)

	term.AssertExec("print-proc pid 1", fmt.Sprintf("((struct proc_info *)%#x)%s\n", p1, initFmt))
	term.AssertExec("print-proc pid 3", fmt.Sprintf("((struct proc_info *)%#x)%s\n", p3, shFmt))

	// A free slot prints nothing.
	term.AssertExec("print-proc pid 2", "")

	// The slot past act_maxproc is readable but must not be used.
	k.SetProcSlot(5, p1)
	_, err := term.Exec("print-proc pid 5")
	var ierr *target.IndexOutOfRangeError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected IndexOutOfRangeError, got %v", err)
	}
	if ierr.Index != 5 || ierr.Max != 4 {
		t.Fatalf("wrong range error: %v", ierr)
	}

	term.AssertExecError("print-proc pid", `"print-proc pid" expects 1 argument(s), got 0`)
}

func TestPrintProcList(t *testing.T) {
	k, p1, p3 := procKernel()
	term := newFakeTerminal(t, k, nil)
	want := fmt.Sprintf("((struct proc_info *)%#x)%s\n((struct proc_info *)%#x)%s\n", p1, initFmt, p3, shFmt)
	term.AssertExec("print-proc list", want)

	// Slots are bounded by max-nodes, not only by act_maxproc.
	k.Img.PutUint(k.ProcTable+2*test.PtrSize, test.PtrSize, p3)
	term.MustExec("config max-nodes 3")
	want = fmt.Sprintf("((struct proc_info *)%#x)%s\n((struct proc_info *)%#x)%s\n"+
		"Warning: output truncated after 3 nodes (see config max-nodes)\n", p1, initFmt, p3, shFmt)
	term.AssertExec("print-proc list", want)
	term.MustExec("config max-nodes 5")
	term.AssertExec("print-proc list", fmt.Sprintf("((struct proc_info *)%#x)%s\n", p1, initFmt)+
		fmt.Sprintf("((struct proc_info *)%#x)%s\n((struct proc_info *)%#x)%s\n", p3, shFmt, p3, shFmt))
}

func TestPrintProcTree(t *testing.T) {
	k := test.NewKernel(8)
	p0 := k.NewProc(0, "kernel", 0)
	p1 := k.NewProc(1, "init", p0)
	k.NewProc(2, "idle", p0)
	k.NewProc(3, "sh", p1)
	p4 := k.NewProc(4, "login", p1)
	k.NewProc(5, "ls", p4)
	term := newFakeTerminal(t, k, nil)

	term.AssertExec("print-proc tree", "-0\n |-1\n   |-3\n   |-4\n     |-5\n |-2\n")
	term.AssertExec("print-proc tree (*_procarr)[4]", "-4\n |-5\n")
	term.AssertExec(fmt.Sprintf("print-proc tree (struct proc_info *)%#x", p4), "-4\n |-5\n")
}

func threadKernel() *test.Kernel {
	k := test.NewKernel(2)
	th1 := k.NewThread(1, 0, 0)
	th2 := k.NewThread(2, 0, th1)
	k.NewThread(3, 0, th1)
	th4 := k.NewThread(4, 0, th2)
	th5 := k.NewThread(5, 0, th4)
	k.NewThread(6, 0, th5)
	k.SetCurrentThread(th1)
	return k
}

func TestPrintThreadTree(t *testing.T) {
	k := threadKernel()
	term := newFakeTerminal(t, k, nil)

	term.AssertExec("print-thread tree", "-1\n |-2\n  |-4\n   |-5\n    |-6\n |\n|\n |-3\n")

	term.MustExec("config tree-close-depth -1")
	term.AssertExec("print-thread tree", "-1\n |-2\n  |-4\n   |-5\n    |-6\n |-3\n")

	term.MustExec("config max-nodes 2")
	out := term.MustExec("print-thread tree")
	if !strings.HasPrefix(out, "-1\n |-2\n") || !strings.Contains(out, "Warning: ") {
		t.Fatalf("truncated tree: %q", out)
	}

	// A null root is a leaf.
	empty := newFakeTerminal(t, test.NewKernel(1), nil)
	empty.AssertExec("print-thread tree", "-NULL\n")
}

func TestPrintQueue(t *testing.T) {
	k, p1, _ := procKernel()
	sigs := test.FieldAddr(p1, k.Proc, "sigs")
	ks1 := k.NewKsiginfo(sigs, 15, 1)
	ks2 := k.NewKsiginfo(sigs, 9, 3)
	term := newFakeTerminal(t, k, nil)

	want := fmt.Sprintf("((struct ksiginfo *)%#x){signo: 15, code: 0, pid: 1}\n((struct ksiginfo *)%#x){signo: 9, code: 0, pid: 3}\n", ks1, ks2)
	term.AssertExec(`print-queue stailq "(*_procarr)[1]->sigs.s_pendqueue" _entry`, want)

	term.MustExec("config max-nodes 1")
	out := term.MustExec(`print-queue stailq "(*_procarr)[1]->sigs.s_pendqueue" _entry`)
	first := fmt.Sprintf("((struct ksiginfo *)%#x){signo: 15, code: 0, pid: 1}\n", ks1)
	if !strings.HasPrefix(out, first) || !strings.Contains(out, "Warning: ") || strings.Contains(out, "signo: 9") {
		t.Fatalf("truncated queue: %q", out)
	}

	_, err := term.Exec("print-queue stailq")
	var aerr *ArityError
	if !errors.As(err, &aerr) || aerr.Min != 2 || aerr.Got != 0 {
		t.Fatalf("expected ArityError, got %v", err)
	}

	term.AssertExecError("print-queue circleq x y", "print-queue: expected one of list, slist, stailq, tailq")
}

func TestSessionGroups(t *testing.T) {
	k := test.NewKernel(2)
	s := k.NewSession(1, "root")
	pg1 := k.NewPgrp(1, s)
	pg5 := k.NewPgrp(5, s)
	term := newFakeTerminal(t, k, nil)

	expr := fmt.Sprintf(`"((struct session *)%#x)->s_pgrp_list_head"`, s)
	want := fmt.Sprintf("((struct pgrp *)%#x){pg_id: 1, sid: 1, refcount: 1}\n((struct pgrp *)%#x){pg_id: 5, sid: 1, refcount: 1}\n", pg1, pg5)
	term.AssertExec("print-queue tailq "+expr+" pg_pgrp_entry_", want)
}

func TestExamineMemoryCmd(t *testing.T) {
	k, _, _ := procKernel()
	term := newFakeTerminal(t, k, nil)
	addr, _, err := k.BI.Global(test.MaxProcSym)
	if err != nil {
		t.Fatal(err)
	}

	res := term.MustExec("examinemem -fmt hex &act_maxproc 4")
	want := []string{fmt.Sprintf("%#x:", addr), "0x04", "0x00", "0x00", "0x00"}
	if diff := cmp.Diff(want, strings.Fields(res)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	res = term.MustExec("x -size 4 &act_maxproc 4")
	want = []string{fmt.Sprintf("%#x:", addr), "0x00000004"}
	if diff := cmp.Diff(want, strings.Fields(res)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	res = term.MustExec("x -fmt bin &act_maxproc 1")
	want = []string{fmt.Sprintf("%#x:", addr), "00000100"}
	if diff := cmp.Diff(want, strings.Fields(res)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	term.AssertExecError("x &act_maxproc 2000", "read memory range must be less than or equal to 1000 bytes (see config max-dump-len)")
	term.AssertExecError("x -fmt float &act_maxproc", `"float" is not a valid format`)
	term.AssertExecError("x -size 9 &act_maxproc", "size must be a positive integer (<=8)")
}

func TestConfig(t *testing.T) {
	k, _, _ := procKernel()
	term := newFakeTerminal(t, k, nil)

	if _, err := term.Exec("config nonexistent-parameter 10"); err == nil {
		t.Fatalf("expected error executing config nonexistent-parameter")
	}

	term.MustExec("config dump-len 16")
	if term.conf.DumpLen == nil || *term.conf.DumpLen != 16 {
		t.Fatalf("expected DumpLen 16, got %v", term.conf.DumpLen)
	}
	term.MustExec("config proc-max 3")
	if term.conf.ProcMax != "3" {
		t.Fatalf("expected ProcMax 3, got %q", term.conf.ProcMax)
	}
	if _, err := term.Exec("print-proc pid 4"); err == nil {
		t.Fatal("proc-max not applied")
	}
	if _, err := term.Exec("config dump-len many"); err == nil {
		t.Fatal("non numeric dump-len accepted")
	}

	out := term.MustExec("config -list")
	for _, s := range []string{"dump-len", "16", "thread-root", "<not defined>", "proc-max"} {
		if !strings.Contains(out, s) {
			t.Errorf("config -list output does not contain %q:\n%s", s, out)
		}
	}

	term.MustExec(`config alias "print-proc list" pl`)
	if len(term.conf.Aliases["print-proc list"]) != 1 {
		t.Fatalf("aliases not changed after configure command %v", term.conf.Aliases)
	}
	if c := term.cmds.lookup("pl"); c == nil || c.aliases[0] != "print-proc list" {
		t.Fatalf("new alias not found")
	}
	term.MustExec("pl")

	term.MustExec("config alias pl")
	if len(term.conf.Aliases["print-proc list"]) != 0 {
		t.Fatalf("alias not removed after configure command %v", term.conf.Aliases)
	}
	if term.cmds.lookup("pl") != nil {
		t.Fatalf("new alias found after delete")
	}
}

func TestConfigAliases(t *testing.T) {
	k, p1, _ := procKernel()
	term := newFakeTerminal(t, k, &config.Config{Aliases: map[string][]string{"print-proc pid": {"pp"}}})
	term.AssertExec("pp 1", fmt.Sprintf("((struct proc_info *)%#x)%s\n", p1, initFmt))
}

func TestConfigPrinters(t *testing.T) {
	k, p1, _ := procKernel()
	conf := &config.Config{Printers: []config.PrinterConfig{{
		Name:    "short_proc",
		Pattern: "^proc_info$",
		Fields:  []config.PrinterField{{Label: "name", Paths: []string{"name"}, Kind: "string"}},
	}}}
	term := newFakeTerminal(t, k, conf)
	term.AssertExec("print-proc pid 1", fmt.Sprintf("((struct proc_info *)%#x){name: \"init\"}\n", p1))
	if err := term.CheckPrinters(); err != nil {
		t.Fatal(err)
	}

	conf.Printers[0].Pattern = "("
	if _, err := New(k.Target(), conf); err == nil {
		t.Fatal("invalid printer accepted")
	}
}

func TestExecuteFile(t *testing.T) {
	k, p1, _ := procKernel()
	term := newFakeTerminal(t, k, nil)

	path := filepath.Join(t.TempDir(), "cmds")
	script := "# processes\nprint-proc pid 1\n\nprint nosuch_symbol\nprint act_maxproc\n"
	if err := os.WriteFile(path, []byte(script), 0600); err != nil {
		t.Fatal(err)
	}
	out := term.MustExec("source " + path)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("unexpected output %q", out)
	}
	if lines[0] != fmt.Sprintf("((struct proc_info *)%#x)%s", p1, initFmt) {
		t.Errorf("line 0: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], path+":4: ") {
		t.Errorf("line 1: %q", lines[1])
	}
	if lines[2] != "4" {
		t.Errorf("line 2: %q", lines[2])
	}

	if _, err := term.Exec("source " + filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("source of a missing file succeeded")
	}
}

func TestExecuteReportsFailure(t *testing.T) {
	k, _, _ := procKernel()
	term := newFakeTerminal(t, k, nil)

	if exit := term.execute("print-proc pid 9"); exit {
		t.Fatal("failed command requested exit")
	}
	want := "Command failed: index 9 out of range for _procarr [0, 4]\n"
	if diff := cmp.Diff(want, term.errout.String()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if term.out.Len() != 0 {
		t.Fatalf("failed command wrote %q", term.out.String())
	}
	if !term.execute("exit") {
		t.Fatal("exit did not request exit")
	}
}

func TestUnknownCommand(t *testing.T) {
	k, _, _ := procKernel()
	term := newFakeTerminal(t, k, nil)
	term.AssertExecError("print-proc", "print-proc: expected one of list, pid, tree")
	term.AssertExecError("print-proc foo", "print-proc: expected one of list, pid, tree")
	term.AssertExecError("frobnicate", "command not available")
	term.AssertExecError("print-proc list extra", `"print-proc list" expects 0 argument(s), got 1`)
	term.AssertExec("   ", "")
}

func TestCompletions(t *testing.T) {
	cmds := KernelCommands()
	want := []string{"print-queue list", "print-queue slist", "print-queue stailq", "print-queue tailq"}
	if diff := cmp.Diff(want, cmds.Completions("print-q")); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	cmds.Merge(map[string][]string{"print-thread tree": {"ptt"}})
	if diff := cmp.Diff([]string{"ptt"}, cmds.Completions("pt")); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitArgs(t *testing.T) {
	got, err := splitArgs(`stailq "a b" c`)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"stailq", "a b", "c"}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if _, err := splitArgs("a `b`"); err == nil {
		t.Fatal("backtick accepted")
	}
}
