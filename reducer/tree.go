package reducer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/on-the-ground/statekit/model"
)

// Reducer computes the next sub-state from the current sub-state and an
// action. Reducers may block on asynchronous work; ctx bounds it.
type Reducer func(ctx context.Context, state any, action model.Action) (any, error)

// MetaReducer wraps a reducer, yielding a derived one. Applied right-to-left
// around the composed reducer.
type MetaReducer func(next Reducer) Reducer

// Tree is a nested mapping of slice names to reducers. Values are either a
// Reducer leaf or a nested Tree.
type Tree map[string]any

// ErrInvalidLeaf marks a tree node that is neither a reducer nor a subtree.
var ErrInvalidLeaf = errors.New("reducer tree: leaf is neither a reducer nor a subtree")

// PathReducer pairs a leaf reducer with its slice path.
type PathReducer struct {
	Path   []string
	Reduce Reducer
}

// Flatten walks the tree depth-first and returns the path→reducer pairs in
// deterministic (sorted) order. Non-function, non-tree leaves are a
// configuration error.
func Flatten(tree Tree) ([]PathReducer, error) {
	var out []PathReducer
	if err := flattenInto(tree, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(tree Tree, prefix []string, out *[]PathReducer) error {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := append(append([]string{}, prefix...), k)
		switch node := tree[k].(type) {
		case Reducer:
			*out = append(*out, PathReducer{Path: path, Reduce: node})
		case func(context.Context, any, model.Action) (any, error):
			*out = append(*out, PathReducer{Path: path, Reduce: node})
		case Tree:
			if err := flattenInto(node, path, out); err != nil {
				return err
			}
		case map[string]any:
			if err := flattenInto(Tree(node), path, out); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q holds %T", ErrInvalidLeaf, strings.Join(path, "."), node)
		}
	}
	return nil
}

func pathAny(path []string) []any {
	out := make([]any, len(path))
	for i, p := range path {
		out[i] = p
	}
	return out
}
