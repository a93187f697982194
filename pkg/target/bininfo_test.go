package target_test

import (
	"errors"
	"os"
	"runtime"
	"testing"

	"github.com/zeke-tools/kscope/pkg/target"
)

var bininfoProbe = [4]uint32{1, 2, 3, 4}

const bininfoProbeSym = "github.com/zeke-tools/kscope/pkg/target_test.bininfoProbe"

func TestLoadBinaryInfo(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test binary is not ELF")
	}
	if bininfoProbe[0] != 1 {
		t.Fatal("probe was modified")
	}
	bi, err := target.LoadBinaryInfo(os.Args[0])
	if err != nil {
		t.Fatal(err)
	}
	addr, typ, err := bi.Global(bininfoProbeSym)
	if err != nil {
		var serr *target.SymbolNotFoundError
		if errors.As(err, &serr) {
			t.Skip("test binary has no usable debug info")
		}
		t.Fatal(err)
	}
	if addr == 0 {
		t.Fatal("probe has no address")
	}
	at, ok := typ.(*target.ArrayType)
	if !ok {
		t.Skipf("probe has no DWARF type (%T)", typ)
	}
	if at.Count != 4 || at.Type.Size() != 4 {
		t.Fatalf("unexpected probe type %s", typ)
	}

	u1, err := bi.FindType("uint32")
	if err != nil {
		t.Fatal(err)
	}
	u2, err := bi.FindType("uint32")
	if err != nil {
		t.Fatal(err)
	}
	if u1 != u2 {
		t.Fatal("type conversion was not cached")
	}
	if it, ok := u1.(*target.IntType); !ok || it.Signed || it.Size() != 4 {
		t.Fatalf("unexpected uint32 type %#v", u1)
	}

	if _, err := bi.FindType("struct nosuchtype"); err == nil {
		t.Fatal("found a type that does not exist")
	}
}

func TestLoadBinaryInfoNotELF(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "notelf")
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("this is not an ELF file")
	f.Close()
	if _, err := target.LoadBinaryInfo(f.Name()); err == nil {
		t.Fatal("loaded a file that is not ELF")
	}
}
