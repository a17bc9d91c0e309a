// Package selector provides memoized derivations over store snapshots.
// Because snapshots share unchanged sub-trees by reference, a selector keyed
// on the identity of its inputs recomputes only when the slice it reads from
// was actually replaced.
package selector

import (
	"fmt"
	"reflect"

	"github.com/on-the-ground/statekit/reducer"
	"github.com/on-the-ground/statekit/store"
)

// Func derives a view from a snapshot.
type Func[O any] func(snapshot any) O

// At builds an input selector reading the sub-state at path, asserted to I.
// A missing path or a mismatched type yields I's zero value.
func At[I any](path ...any) Func[I] {
	return func(snapshot any) I {
		v, _ := reducer.GetAt(snapshot, path...).(I)
		return v
	}
}

// Memo1 memoizes derive over the identity of one input. maxEntries bounds the
// cache; older results age out in whole generations.
func Memo1[I1, O any](in1 Func[I1], derive func(I1) O, maxEntries uint32) Func[O] {
	cache := newMemoCache[O](maxEntries)
	return func(snapshot any) O {
		v1 := in1(snapshot)
		keys := []any{keyOf(v1)}
		if out, ok := cache.load(keys); ok {
			return out
		}
		out := derive(v1)
		cache.store(keys, out)
		return out
	}
}

// Memo2 memoizes derive over the identities of two inputs.
func Memo2[I1, I2, O any](
	in1 Func[I1],
	in2 Func[I2],
	derive func(I1, I2) O,
	maxEntries uint32,
) Func[O] {
	cache := newMemoCache[O](maxEntries)
	return func(snapshot any) O {
		v1, v2 := in1(snapshot), in2(snapshot)
		keys := []any{keyOf(v1), keyOf(v2)}
		if out, ok := cache.load(keys); ok {
			return out
		}
		out := derive(v1, v2)
		cache.store(keys, out)
		return out
	}
}

// Memo3 memoizes derive over the identities of three inputs.
func Memo3[I1, I2, I3, O any](
	in1 Func[I1],
	in2 Func[I2],
	in3 Func[I3],
	derive func(I1, I2, I3) O,
	maxEntries uint32,
) Func[O] {
	cache := newMemoCache[O](maxEntries)
	return func(snapshot any) O {
		v1, v2, v3 := in1(snapshot), in2(snapshot), in3(snapshot)
		keys := []any{keyOf(v1), keyOf(v2), keyOf(v3)}
		if out, ok := cache.load(keys); ok {
			return out
		}
		out := derive(v1, v2, v3)
		cache.store(keys, out)
		return out
	}
}

// Bind attaches a selector to a store, reading the live snapshot on each call.
func Bind[O any](s *store.Store, sel Func[O]) func() O {
	return func() O { return sel(s.GetState()) }
}

// refKey is the comparable identity of a reference-kind value.
type refKey struct {
	kind reflect.Kind
	ptr  uintptr
	len  int
}

// keyOf maps a selector input to a comparable cache key: reference kinds key
// by pointer (slices also by length, matching structural-sharing identity),
// fmt.Stringer values by their string, comparable scalars by themselves.
func keyOf(v any) any {
	if v == nil {
		return refKey{}
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		return refKey{kind: rv.Kind(), ptr: rv.Pointer(), len: rv.Len()}
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return refKey{kind: rv.Kind(), ptr: rv.Pointer()}
	default:
		if rv.Type().Comparable() {
			return v
		}
		return fmt.Sprintf("%#v", v)
	}
}
