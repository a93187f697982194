package walk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zeke-tools/kscope/pkg/logflags"
	"github.com/zeke-tools/kscope/pkg/target"
)

// TreeSpec names the fields linking the nodes of an ancestry tree.
type TreeSpec struct {
	Key         string // identifying field printed for each node
	FirstChild  string // pointer to the first child
	NextSibling string // pointer to the next child of the same parent
}

// TreeStyle controls the indentation of a rendered tree. A node at depth
// d > 0 is indented by Base+Step*(d-1) spaces; the root's siblings are at
// depth 0. A node without a next sibling at depth d >= Close is followed
// by a line holding a lone "|" indented by Step*(d-Close) spaces. A
// negative Close disables those lines.
type TreeStyle struct {
	Base         int
	Step         int
	Close        int
	RootSiblings bool
}

var (
	// ProcessTree links processes through the inh records of struct
	// proc_info.
	ProcessTree = TreeSpec{
		Key:         "pid",
		FirstChild:  "inh.child_list_head.slh_first",
		NextSibling: "inh.child_list_entry.sle_next",
	}
	ProcessTreeStyle = TreeStyle{Base: 1, Step: 2, Close: -1}

	// ThreadTree links threads through the inh records of struct
	// thread_info.
	ThreadTree = TreeSpec{
		Key:         "id",
		FirstChild:  "inh.first_child",
		NextSibling: "inh.next_child",
	}
	ThreadTreeStyle = TreeStyle{Base: 1, Step: 1, Close: 3, RootSiblings: true}
)

// NullLeaf is the rendering of a null root.
const NullLeaf = "-NULL\n"

var errTruncated = errors.New("truncated")

type treeRenderer struct {
	spec    TreeSpec
	style   TreeStyle
	key     target.Path
	child   target.Path
	sibling target.Path
	max     int
	visited map[uint64]struct{}
	buf     bytes.Buffer
}

// RenderTree writes the tree rooted at root to w, one node per line,
// depth first: a node, then its first child's subtree, then its next
// sibling. The root may be a record or a pointer to it.
//
// Nothing is written if the tree can not be rendered completely, unless
// the node limit is hit: in that case the nodes rendered so far are
// written and a TruncatedError is returned.
func RenderTree(w io.Writer, root *target.Value, spec TreeSpec, style TreeStyle, opts Options) error {
	r := &treeRenderer{spec: spec, style: style, max: opts.Limit(), visited: make(map[uint64]struct{})}
	var err error
	if r.key, err = target.ParsePath(spec.Key); err != nil {
		return err
	}
	if r.child, err = target.ParsePath(spec.FirstChild); err != nil {
		return err
	}
	if r.sibling, err = target.ParsePath(spec.NextSibling); err != nil {
		return err
	}

	if _, isptr := root.RealType.(*target.PtrType); isptr && !root.IsNil() {
		if root, err = root.Deref(); err != nil {
			return err
		}
	}
	if root.IsNil() {
		_, err := io.WriteString(w, NullLeaf)
		return err
	}

	err = r.render(root, 0)
	logflags.WalkLogger().Debugf("tree %s: %d nodes", root.Name, len(r.visited))
	switch {
	case err == errTruncated:
		if _, werr := w.Write(r.buf.Bytes()); werr != nil {
			return werr
		}
		return &TruncatedError{Limit: r.max}
	case err != nil:
		return err
	}
	_, err = w.Write(r.buf.Bytes())
	return err
}

func (r *treeRenderer) render(node *target.Value, depth int) error {
	for n := node; !n.IsNil(); {
		if _, seen := r.visited[n.Addr]; seen {
			return &CyclicStructureError{Addr: n.Addr, Index: len(r.visited)}
		}
		if r.max > 0 && len(r.visited) >= r.max {
			return errTruncated
		}
		r.visited[n.Addr] = struct{}{}

		key, err := r.keyOf(n)
		if err != nil {
			return err
		}
		if n == node && depth == 0 {
			fmt.Fprintf(&r.buf, "-%s\n", key)
		} else {
			r.indent(r.style.Base + r.style.Step*(depth-1))
			fmt.Fprintf(&r.buf, "|-%s\n", key)
		}

		child, err := r.link(n, r.child)
		if err != nil {
			return err
		}
		if !child.IsNil() {
			if err := r.render(child, depth+1); err != nil {
				return err
			}
		}

		var next *target.Value
		if depth > 0 || r.style.RootSiblings {
			if next, err = r.link(n, r.sibling); err != nil {
				return err
			}
		}
		if next.IsNil() && r.style.Close >= 0 && depth >= r.style.Close {
			r.indent(r.style.Step * (depth - r.style.Close))
			r.buf.WriteString("|\n")
		}
		n = next
	}
	return nil
}

func (r *treeRenderer) indent(n int) {
	if n > 0 {
		r.buf.WriteString(strings.Repeat(" ", n))
	}
}

func (r *treeRenderer) keyOf(n *target.Value) (string, error) {
	k, err := n.Follow(r.key)
	if err != nil {
		return "", err
	}
	i, err := k.Int()
	if err != nil {
		return "", err
	}
	return fmt.Sprint(i), nil
}

func (r *treeRenderer) link(n *target.Value, p target.Path) (*target.Value, error) {
	ptr, err := n.Follow(p)
	if err != nil {
		return nil, err
	}
	next, err := ptr.Deref()
	if err != nil {
		return nil, err
	}
	if !next.IsNil() {
		rename(next)
	}
	return next, nil
}
