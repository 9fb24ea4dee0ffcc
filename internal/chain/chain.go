// Package chain resolves snapshot/descriptor lineage into the ordered
// acquisition list used by the fetch and flatten stages.
package chain

import (
	"context"
	"fmt"

	"vmshift/internal/errkind"
)

// Node is one element of a snapshot lineage.
type Node struct {
	ID          string // stable identifier (content id or absolute path)
	Parent      string // parent reference, empty for the base disk
	Size        int64
	BackingPath string // where the node's bytes live
}

// Chain is the ordered sequence from the oldest ancestor to the requested
// leaf. Fetching and flattening must follow this order: each delta is merged
// onto its parent before the next child delta is applied.
type Chain []Node

// Source looks up a single node by reference. A missing node must return an
// error wrapping errkind.ErrChainIncomplete.
type Source interface {
	Node(ctx context.Context, ref string) (Node, error)
}

// Resolve walks parent references from the leaf to the base disk.
// The traversal is iterative with an explicit visited set, which bounds
// stack growth on deep chains and detects cycles.
func Resolve(ctx context.Context, src Source, leafRef string) (Chain, error) {
	visited := make(map[string]bool)
	var reversed []Node

	ref := leafRef
	for ref != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if visited[ref] {
			return nil, fmt.Errorf("chain from %q revisits %q: %w", leafRef, ref, errkind.ErrChainCycle)
		}
		visited[ref] = true

		node, err := src.Node(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve node %q: %w", ref, err)
		}
		reversed = append(reversed, node)
		ref = node.Parent
	}

	out := make(Chain, len(reversed))
	for i, n := range reversed {
		out[len(reversed)-1-i] = n
	}
	return out, nil
}

// Leaf returns the newest node. Callers must not invoke it on an empty chain.
func (c Chain) Leaf() Node {
	return c[len(c)-1]
}

// TotalSize sums the node sizes, an upper bound for fetch planning.
func (c Chain) TotalSize() int64 {
	var total int64
	for _, n := range c {
		total += n.Size
	}
	return total
}
