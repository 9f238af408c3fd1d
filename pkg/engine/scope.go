package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ScopeTree is a single-rooted hierarchy of scope nodes. Cycles and multiple
// roots are hard validation errors: they signal a collector or loader bug,
// not reviewable tenant state.
type ScopeTree struct {
	// Root is the ID of the tenant root node.
	Root string `json:"root"`

	// Nodes maps scope IDs to their nodes.
	Nodes map[string]*ScopeNode `json:"nodes"`
}

// NewScopeTree creates an empty tree rooted at rootID.
func NewScopeTree(rootID, displayName string) *ScopeTree {
	t := &ScopeTree{
		Root:  rootID,
		Nodes: make(map[string]*ScopeNode),
	}
	t.Nodes[rootID] = &ScopeNode{
		ID:          rootID,
		DisplayName: displayName,
		Status:      ScopeReachable,
	}
	return t
}

// Add inserts a node under the given parent. The parent must already exist.
func (t *ScopeTree) Add(id, parentID, displayName string, status ScopeStatus) error {
	if _, exists := t.Nodes[id]; exists {
		return NewPermanentError(fmt.Sprintf("duplicate scope node: %s", id), nil).
			WithCode(ErrCodeInvariantViolation)
	}
	parent, ok := t.Nodes[parentID]
	if !ok {
		return NewPermanentError(fmt.Sprintf("scope %s references missing parent %s", id, parentID), nil).
			WithCode(ErrCodeInvariantViolation)
	}
	t.Nodes[id] = &ScopeNode{
		ID:          id,
		ParentID:    parentID,
		DisplayName: displayName,
		Status:      status,
	}
	parent.ChildIDs = append(parent.ChildIDs, id)
	sort.Strings(parent.ChildIDs)
	return nil
}

// Contains reports whether the tree has a node with the given ID.
func (t *ScopeTree) Contains(id string) bool {
	_, ok := t.Nodes[id]
	return ok
}

// Depth returns the number of edges from the root to the node, or -1 if the
// node is not in the tree.
func (t *ScopeTree) Depth(id string) int {
	depth := 0
	cur, ok := t.Nodes[id]
	if !ok {
		return -1
	}
	for cur.ParentID != "" {
		parent, ok := t.Nodes[cur.ParentID]
		if !ok {
			return -1
		}
		cur = parent
		depth++
		if depth > len(t.Nodes) {
			return -1
		}
	}
	return depth
}

// MaxDepth returns the deepest node's depth.
func (t *ScopeTree) MaxDepth() int {
	max := 0
	for id := range t.Nodes {
		if d := t.Depth(id); d > max {
			max = d
		}
	}
	return max
}

// IsAncestor reports whether ancestor is a strict ancestor of descendant.
func (t *ScopeTree) IsAncestor(ancestor, descendant string) bool {
	cur, ok := t.Nodes[descendant]
	if !ok {
		return false
	}
	for cur.ParentID != "" {
		if cur.ParentID == ancestor {
			return true
		}
		parent, ok := t.Nodes[cur.ParentID]
		if !ok {
			return false
		}
		cur = parent
	}
	return false
}

// SortedIDs returns all node IDs in lexical order, for deterministic walks.
func (t *ScopeTree) SortedIDs() []string {
	ids := make([]string, 0, len(t.Nodes))
	for id := range t.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the single-rooted-tree invariants: the root exists and has
// no parent, every parent link resolves, child links are consistent, every
// node is reachable from the root, and there are no cycles.
func (t *ScopeTree) Validate() error {
	if t.Root == "" {
		return NewPermanentError("scope tree has no root", nil).WithCode(ErrCodeInvariantViolation)
	}
	root, ok := t.Nodes[t.Root]
	if !ok {
		return NewPermanentError(fmt.Sprintf("scope tree root %s not in node set", t.Root), nil).
			WithCode(ErrCodeInvariantViolation)
	}
	if root.ParentID != "" {
		return NewPermanentError("scope tree root has a parent", nil).WithCode(ErrCodeInvariantViolation)
	}

	for id, node := range t.Nodes {
		if id != node.ID {
			return NewPermanentError(fmt.Sprintf("scope node keyed as %s has ID %s", id, node.ID), nil).
				WithCode(ErrCodeInvariantViolation)
		}
		if id == t.Root {
			continue
		}
		if node.ParentID == "" {
			return NewPermanentError(fmt.Sprintf("scope tree has second root: %s", id), nil).
				WithCode(ErrCodeInvariantViolation)
		}
		if _, ok := t.Nodes[node.ParentID]; !ok {
			return NewPermanentError(fmt.Sprintf("scope %s references missing parent %s", id, node.ParentID), nil).
				WithCode(ErrCodeInvariantViolation)
		}
	}

	// Walk from the root; anything unreached implies a cycle or an orphan
	// component.
	reached := make(map[string]bool, len(t.Nodes))
	stack := []string{t.Root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[id] {
			return NewPermanentError(fmt.Sprintf("cycle in scope tree at %s", id), nil).
				WithCode(ErrCodeInvariantViolation)
		}
		reached[id] = true
		node := t.Nodes[id]
		for _, child := range node.ChildIDs {
			cn, ok := t.Nodes[child]
			if !ok {
				return NewPermanentError(fmt.Sprintf("scope %s lists missing child %s", id, child), nil).
					WithCode(ErrCodeInvariantViolation)
			}
			if cn.ParentID != id {
				return NewPermanentError(
					fmt.Sprintf("scope %s lists child %s whose parent is %s", id, child, cn.ParentID), nil).
					WithCode(ErrCodeInvariantViolation)
			}
			stack = append(stack, child)
		}
	}
	if len(reached) != len(t.Nodes) {
		unreached := make([]string, 0)
		for id := range t.Nodes {
			if !reached[id] {
				unreached = append(unreached, id)
			}
		}
		sort.Strings(unreached)
		return NewPermanentError(
			fmt.Sprintf("scope nodes unreachable from root: %s", strings.Join(unreached, ", ")), nil).
			WithCode(ErrCodeInvariantViolation)
	}
	return nil
}
