package terminal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zeke-tools/kscope/pkg/target/test"
)

func (ft *FakeTerminal) ExecStarlark(starlarkProgram string) (outstr string, err error) {
	path := filepath.Join(ft.t.TempDir(), "prog.star")
	if err := os.WriteFile(path, []byte(starlarkProgram), 0600); err != nil {
		ft.t.Fatalf("could not write starlark program: %v", err)
	}
	return ft.Exec("source " + path)
}

func (ft *FakeTerminal) MustExecStarlark(starlarkProgram string) string {
	outstr, err := ft.ExecStarlark(starlarkProgram)
	if err != nil {
		ft.t.Errorf("output of %q: %q", starlarkProgram, outstr)
		ft.t.Fatalf("Error executing <%s>: %v", starlarkProgram, err)
	}
	return outstr
}

func starlarkKernel() (*test.Kernel, uint64, []uint64) {
	k, p1, _ := procKernel()
	sigs := test.FieldAddr(p1, k.Proc, "sigs")
	ks := []uint64{k.NewKsiginfo(sigs, 15, 1), k.NewKsiginfo(sigs, 9, 3)}
	return k, p1, ks
}

func TestStarlarkEval(t *testing.T) {
	k, _, _ := starlarkKernel()
	term := newFakeTerminal(t, k, nil)

	out := term.MustExecStarlark(`p = eval("(*_procarr)[3]")
print(p.pid, p.name, p._type)
print(p.inh.parent.name)
print(bool(eval("(*_procarr)[2]")), bool(p))
print(eval("act_maxproc") + 1)
print(eval("(*_procarr)")[1].pid)
print(p["exit_code"], hasattr(p, "nosuch"))
`)
	want := "3 sh struct proc_info *\ninit\nFalse True\n5\n1\n0 False\n"
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	if _, err := term.ExecStarlark(`eval("nosuch_symbol")`); err == nil {
		t.Fatal("eval of an unknown symbol succeeded")
	}
}

func TestStarlarkFormatRecord(t *testing.T) {
	k, _, _ := starlarkKernel()
	term := newFakeTerminal(t, k, nil)

	out := term.MustExecStarlark(`p = eval("(*_procarr)[1]")
print(format_record(p))
print(format_record("(*_procarr)[3]"))
print(p)
print(eval("current_thread"))
`)
	want := initFmt + "\n" + shFmt + "\n" + initFmt + "\nNULL\n"
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestStarlarkWalkList(t *testing.T) {
	k, _, ks := starlarkKernel()
	term := newFakeTerminal(t, k, nil)

	prog := `for ks in walk_list("stailq", "(*_procarr)[1]->sigs.s_pendqueue", "_entry"):
    print(ks._addr, ks.siginfo.si_signo, ks.siginfo.si_pid)
`
	want := fmt.Sprintf("%d 15 1\n%d 9 3\n", ks[0], ks[1])
	if diff := cmp.Diff(want, term.MustExecStarlark(prog)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	term.MustExec("config max-nodes 1")
	out := term.MustExecStarlark(prog)
	if !strings.HasPrefix(out, "Warning: ") || !strings.HasSuffix(out, fmt.Sprintf("%d 15 1\n", ks[0])) {
		t.Fatalf("truncated walk: %q", out)
	}

	if _, err := term.ExecStarlark(`walk_list("circleq", "act_maxproc", "e")`); err == nil {
		t.Fatal("unknown list kind accepted")
	}
}

func TestStarlarkCommands(t *testing.T) {
	k, p1, _ := starlarkKernel()
	term := newFakeTerminal(t, k, nil)

	term.MustExecStarlark(`def command_procname(args):
    "Prints the name of a process."
    print(eval("(*_procarr)[%s]" % args).name)

def command_double(n):
    print(n * 2)

def main():
    kscope_command("print-proc", "pid", "1")
`)
	term.AssertExec("procname 3", "sh\n")
	term.AssertExec("double 21", "42\n")
	if out := term.MustExec("help procname"); out != "Prints the name of a process.\n" {
		t.Fatalf("help procname: %q", out)
	}
	if c := term.cmds.Completions("procn"); len(c) != 1 || c[0] != "procname" {
		t.Fatalf("completions: %v", c)
	}

	out := term.MustExecStarlark(`def main():
    kscope_command("print-proc pid 1")
`)
	if diff := cmp.Diff(fmt.Sprintf("((struct proc_info *)%#x)%s\n", p1, initFmt), out); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	if _, err := term.ExecStarlark(`def main():
    kscope_command("print-proc pid 99")
`); err == nil {
		t.Fatal("failing command did not fail the script")
	}
}

func TestStarlarkFiles(t *testing.T) {
	k, _, _ := starlarkKernel()
	term := newFakeTerminal(t, k, nil)
	path := filepath.Join(t.TempDir(), "out.txt")

	out := term.MustExecStarlark(fmt.Sprintf(`write_file(%q, eval("(*_procarr)[1]").name)
print(read_file(%q))
`, path, path))
	if out != "init\n" {
		t.Fatalf("read_file: %q", out)
	}
}
