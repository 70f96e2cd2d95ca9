package tensor

import (
	"fmt"
	"strconv"
)

// Node is a nested tensor tree. It is either a Leaf or a Branch.
type Node interface {
	node()
}

// Leaf holds a single tensor.
type Leaf struct {
	Tensor *Tensor
}

// Entry is one named child of a Branch.
type Entry struct {
	Key  string
	Node Node
}

// Branch is an ordered mapping of keys to subtrees.
type Branch struct {
	Entries []Entry
}

func (Leaf) node()    {}
func (*Branch) node() {}

// NewBranch builds a branch keeping the entry order.
func NewBranch(entries ...Entry) *Branch {
	return &Branch{Entries: entries}
}

// List builds a branch keyed by position, for ordered sequences of subtrees.
func List(nodes ...Node) *Branch {
	b := &Branch{Entries: make([]Entry, len(nodes))}
	for i, n := range nodes {
		b.Entries[i] = Entry{Key: strconv.Itoa(i), Node: n}
	}
	return b
}

// Get returns the child stored under key.
func (b *Branch) Get(key string) (Node, bool) {
	for _, e := range b.Entries {
		if e.Key == key {
			return e.Node, true
		}
	}
	return nil, false
}

// Map returns a structurally identical tree with fn applied to every leaf tensor.
// The input tree is not modified.
func Map(n Node, fn func(*Tensor) (*Tensor, error)) (Node, error) {
	switch v := n.(type) {
	case Leaf:
		out, err := fn(v.Tensor)
		if err != nil {
			return nil, err
		}
		return Leaf{Tensor: out}, nil
	case *Branch:
		out := &Branch{Entries: make([]Entry, len(v.Entries))}
		for i, e := range v.Entries {
			child, err := Map(e.Node, fn)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Key, err)
			}
			out.Entries[i] = Entry{Key: e.Key, Node: child}
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported tree node %T", n)
	}
}

// IndexAndTransfer gathers rows idx from every leaf when idx is non-nil and then
// moves each leaf to device when device is non-empty.
func IndexAndTransfer(n Node, idx []int, device Device) (Node, error) {
	return Map(n, func(t *Tensor) (*Tensor, error) {
		if idx != nil {
			var err error
			if t, err = t.Index(idx); err != nil {
				return nil, err
			}
		}
		if device != "" {
			t = t.To(device)
		}
		return t, nil
	})
}

// Leaves visits every leaf tensor in order.
func Leaves(n Node, visit func(path string, t *Tensor)) {
	walk(n, "", visit)
}

func walk(n Node, prefix string, visit func(string, *Tensor)) {
	switch v := n.(type) {
	case Leaf:
		visit(prefix, v.Tensor)
	case *Branch:
		for _, e := range v.Entries {
			path := e.Key
			if prefix != "" {
				path = prefix + "." + e.Key
			}
			walk(e.Node, path, visit)
		}
	}
}

// Rows reports the row count of the first leaf, or 0 for an empty tree.
func Rows(n Node) int {
	rows, found := 0, false
	Leaves(n, func(_ string, t *Tensor) {
		if !found && t != nil {
			rows, found = t.Rows(), true
		}
	})
	return rows
}
