// Package walk traverses linked kernel data structures: the intrusive
// lists of <sys/queue.h> and the parent/child/sibling trees used for
// process and thread ancestry.
//
// Every traversal keeps a set of visited addresses and fails with a
// CyclicStructureError instead of looping when the links in memory are
// corrupt or being modified while they are read.
package walk

import (
	"fmt"

	"github.com/zeke-tools/kscope/pkg/logflags"
	"github.com/zeke-tools/kscope/pkg/target"
)

// DefaultMaxNodes is the node limit used when Options.MaxNodes is zero.
const DefaultMaxNodes = 10000

// Options bounds traversals.
type Options struct {
	// MaxNodes is the maximum number of nodes visited by a single
	// traversal, zero means DefaultMaxNodes and a negative value
	// disables the limit.
	MaxNodes int
}

// Limit returns the node limit in effect, or a negative number when there
// is none.
func (o Options) Limit() int {
	if o.MaxNodes == 0 {
		return DefaultMaxNodes
	}
	return o.MaxNodes
}

// ListShape names the link fields of one of the queue.h list flavors.
type ListShape struct {
	Name string
	Head string // field of the head record pointing at the first node
	Next string // field of the entry record pointing at the next node
}

var (
	SList  = ListShape{Name: "slist", Head: "slh_first", Next: "sle_next"}
	List   = ListShape{Name: "list", Head: "lh_first", Next: "le_next"}
	STailQ = ListShape{Name: "stailq", Head: "stqh_first", Next: "stqe_next"}
	TailQ  = ListShape{Name: "tailq", Head: "tqh_first", Next: "tqe_next"}
)

// Shapes lists all the list flavors.
var Shapes = []ListShape{SList, List, STailQ, TailQ}

// ShapeByName returns the list flavor called name (case sensitive, as in
// "slist" or "tailq").
func ShapeByName(name string) (ListShape, bool) {
	for _, s := range Shapes {
		if s.Name == name {
			return s, true
		}
	}
	return ListShape{}, false
}

// CyclicStructureError is returned when a traversal reaches a node it
// already visited.
type CyclicStructureError struct {
	Addr  uint64
	Index int
}

func (err *CyclicStructureError) Error() string {
	return fmt.Sprintf("cyclic structure detected: node %d at %#x was already visited", err.Index, err.Addr)
}

// TruncatedError is returned, together with the part of the result
// computed so far, when a traversal hits Options.MaxNodes.
type TruncatedError struct {
	Limit int
}

func (err *TruncatedError) Error() string {
	return fmt.Sprintf("output truncated after %d nodes (see config max-nodes)", err.Limit)
}

// Nodes returns the nodes of the list whose head is head, in link order.
// The head may be the head record or a pointer to it; a null head is an
// empty list. Entry is the path, inside each node, of the entry record
// holding the link to the next node.
func Nodes(head *target.Value, shape ListShape, entry string, opts Options) ([]*target.Value, error) {
	entryPath, err := target.ParsePath(entry)
	if err != nil {
		return nil, err
	}
	if head.IsNil() {
		return nil, nil
	}
	if _, isptr := head.RealType.(*target.PtrType); isptr {
		if head, err = head.Deref(); err != nil {
			return nil, err
		}
		if head.IsNil() {
			return nil, nil
		}
	}
	first, err := head.Field(shape.Head)
	if err != nil {
		return nil, err
	}
	node, err := first.Deref()
	if err != nil {
		return nil, err
	}

	log := logflags.WalkLogger()
	max := opts.Limit()
	visited := make(map[uint64]struct{})
	var nodes []*target.Value
	for !node.IsNil() {
		if _, seen := visited[node.Addr]; seen {
			log.Debugf("%s %s: revisited %#x after %d nodes", shape.Name, head.Name, node.Addr, len(nodes))
			return nil, &CyclicStructureError{Addr: node.Addr, Index: len(nodes)}
		}
		if max > 0 && len(nodes) >= max {
			return nodes, &TruncatedError{Limit: max}
		}
		visited[node.Addr] = struct{}{}
		rename(node)
		nodes = append(nodes, node)

		link, err := node.Follow(entryPath)
		if err != nil {
			return nil, err
		}
		next, err := link.Field(shape.Next)
		if err != nil {
			return nil, err
		}
		if node, err = next.Deref(); err != nil {
			return nil, err
		}
	}
	log.Debugf("%s %s: %d nodes", shape.Name, head.Name, len(nodes))
	return nodes, nil
}

// rename replaces the access path accumulated while following links with
// an expression that evaluates to the same record.
func rename(v *target.Value) {
	v.Name = fmt.Sprintf("(*(%s *)%#x)", v.TypeString(), v.Addr)
}
