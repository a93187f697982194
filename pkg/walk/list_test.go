package walk_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zeke-tools/kscope/pkg/target"
	"github.com/zeke-tools/kscope/pkg/target/test"
	"github.com/zeke-tools/kscope/pkg/walk"
)

type listFixture struct {
	img   *test.Image
	node  *target.StructType
	head  *target.StructType
	hv    uint64 // address of the head record
	nodes []uint64
	tgt   *target.Target
}

// newList builds a list of n nodes, {int val; ENTRY link}, with values 1..n.
func newList(t *testing.T, shape walk.ListShape, n int) *listFixture {
	t.Helper()
	node := test.Declare("node")
	var head, entry *target.StructType
	switch shape {
	case walk.SList:
		head, entry = test.SListHead("node_list", node), test.SListEntry(node)
	case walk.List:
		head, entry = test.ListHead("node_list", node), test.ListEntry(node)
	case walk.STailQ:
		head, entry = test.STailQHead("node_list", node), test.STailQEntry(node)
	case walk.TailQ:
		head, entry = test.TailQHead("node_list", node), test.TailQEntry(node)
	}
	test.Define(node, test.F("val", test.Int), test.F("link", entry))

	f := &listFixture{img: test.NewImage(0x10000), node: node, head: head}
	bi := target.NewBinaryInfo(f.img.Order, test.PtrSize)
	f.hv = f.img.New(head)
	bi.AddGlobal("queue", f.hv, head)
	bi.AddGlobal("queuep", f.img.New(test.Ptr(head)), test.Ptr(head))
	for i := 0; i < n; i++ {
		a := f.img.New(node)
		f.img.Set(a, node, "val", uint64(i+1))
		f.nodes = append(f.nodes, a)
	}
	if n > 0 {
		f.img.Set(f.hv, head, shape.Head, f.nodes[0])
	}
	for i := 0; i+1 < n; i++ {
		f.img.Set(f.nodes[i], node, "link."+shape.Next, f.nodes[i+1])
	}
	f.tgt = f.img.Target(bi)
	return f
}

func (f *listFixture) walk(t *testing.T, shape walk.ListShape, opts walk.Options) ([]int64, error) {
	t.Helper()
	head, err := f.tgt.ResolveSymbol("queue")
	if err != nil {
		t.Fatal(err)
	}
	nodes, err := walk.Nodes(head, shape, "link", opts)
	vals := []int64{}
	for _, n := range nodes {
		v, err := n.Field("val")
		if err != nil {
			t.Fatal(err)
		}
		i, err := v.Int()
		if err != nil {
			t.Fatal(err)
		}
		vals = append(vals, i)
	}
	return vals, err
}

func TestListShapes(t *testing.T) {
	for _, shape := range walk.Shapes {
		for _, n := range []int{0, 1, 5} {
			f := newList(t, shape, n)
			got, err := f.walk(t, shape, walk.Options{})
			if err != nil {
				t.Fatalf("%s/%d: %v", shape.Name, n, err)
			}
			want := []int64{}
			for i := 1; i <= n; i++ {
				want = append(want, int64(i))
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("%s/%d: mismatch (-want +got):\n%s", shape.Name, n, diff)
			}
		}
	}
}

func TestListThroughPointer(t *testing.T) {
	f := newList(t, walk.TailQ, 3)
	head, err := f.tgt.ResolveSymbol("queue")
	if err != nil {
		t.Fatal(err)
	}
	p, err := head.AddressOf()
	if err != nil {
		t.Fatal(err)
	}
	nodes, err := walk.Nodes(p, walk.TailQ, "link", walk.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 3 {
		t.Fatalf("got %d nodes", len(nodes))
	}
	if nodes[1].Addr != f.nodes[1] {
		t.Fatalf("second node at %#x, expected %#x", nodes[1].Addr, f.nodes[1])
	}

	nullp, err := f.tgt.ResolveSymbol("queuep")
	if err != nil {
		t.Fatal(err)
	}
	nodes, err = walk.Nodes(nullp, walk.TailQ, "link", walk.Options{})
	if err != nil || len(nodes) != 0 {
		t.Fatalf("null head: %v, %v", nodes, err)
	}
}

func TestListCycle(t *testing.T) {
	f := newList(t, walk.SList, 4)
	f.img.Set(f.nodes[3], f.node, "link.sle_next", f.nodes[1])
	nodes, err := f.walk(t, walk.SList, walk.Options{})
	var cerr *walk.CyclicStructureError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CyclicStructureError, got %v (%v)", err, nodes)
	}
	if cerr.Addr != f.nodes[1] || cerr.Index != 4 {
		t.Fatalf("unexpected error %#v", cerr)
	}
	if len(nodes) != 0 {
		t.Fatalf("partial result returned with cycle: %v", nodes)
	}

	// a node pointing to itself
	f = newList(t, walk.STailQ, 1)
	f.img.Set(f.nodes[0], f.node, "link.stqe_next", f.nodes[0])
	if _, err := f.walk(t, walk.STailQ, walk.Options{}); !errors.As(err, &cerr) {
		t.Fatalf("expected CyclicStructureError, got %v", err)
	}
}

func TestListTruncated(t *testing.T) {
	f := newList(t, walk.List, 10)
	got, err := f.walk(t, walk.List, walk.Options{MaxNodes: 3})
	var terr *walk.TruncatedError
	if !errors.As(err, &terr) || terr.Limit != 3 {
		t.Fatalf("expected TruncatedError, got %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if _, err := f.walk(t, walk.List, walk.Options{MaxNodes: -1}); err != nil {
		t.Fatalf("unlimited walk: %v", err)
	}
}

func TestListUnmappedLink(t *testing.T) {
	f := newList(t, walk.SList, 2)
	f.img.Set(f.nodes[1], f.node, "link.sle_next", 0xdead0000)
	got, err := f.walk(t, walk.SList, walk.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{1, 2}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestListBadEntry(t *testing.T) {
	f := newList(t, walk.SList, 2)
	head, err := f.tgt.ResolveSymbol("queue")
	if err != nil {
		t.Fatal(err)
	}
	_, err = walk.Nodes(head, walk.SList, "nosuch", walk.Options{})
	var ferr *target.FieldNotFoundError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FieldNotFoundError, got %v", err)
	}
	if _, err := walk.Nodes(head, walk.TailQ, "link", walk.Options{}); !errors.As(err, &ferr) {
		t.Fatalf("expected FieldNotFoundError for the wrong shape, got %v", err)
	}
}

func TestShapeByName(t *testing.T) {
	for _, name := range []string{"slist", "list", "stailq", "tailq"} {
		s, ok := walk.ShapeByName(name)
		if !ok || s.Name != name {
			t.Errorf("ShapeByName(%q) = %v, %v", name, s, ok)
		}
	}
	if _, ok := walk.ShapeByName("circleq"); ok {
		t.Error("unknown shape found")
	}
}
