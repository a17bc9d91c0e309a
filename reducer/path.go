package reducer

import "reflect"

// GetAt extracts the sub-state at the given path of string keys and int
// indices. Any missing or mistyped intermediate segment yields nil instead of
// failing. An empty path returns the state itself.
func GetAt(state any, path ...any) any {
	cur := state
	for _, seg := range path {
		switch key := seg.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil
			}
			cur, ok = m[key]
			if !ok {
				return nil
			}
		case int:
			s, ok := cur.([]any)
			if !ok || key < 0 || key >= len(s) {
				return nil
			}
			cur = s[key]
		default:
			return nil
		}
	}
	return cur
}

// SetAt replaces the value at path with structural sharing: only the ancestor
// chain of the changed path is shallow-copied, siblings keep their prior
// reference. An empty path replaces the whole state. A segment that does not
// fit the shape of the existing node allocates a fresh container there.
func SetAt(state any, value any, path ...any) any {
	if len(path) == 0 {
		return value
	}
	switch key := path[0].(type) {
	case string:
		m, _ := state.(map[string]any)
		next := make(map[string]any, len(m)+1)
		for k, v := range m {
			next[k] = v
		}
		next[key] = SetAt(m[key], value, path[1:]...)
		return next
	case int:
		if key < 0 {
			return state
		}
		s, _ := state.([]any)
		size := len(s)
		if key >= size {
			size = key + 1
		}
		next := make([]any, size)
		copy(next, s)
		var old any
		if key < len(s) {
			old = s[key]
		}
		next[key] = SetAt(old, value, path[1:]...)
		return next
	default:
		return state
	}
}

// DeleteAt removes the key at path, shallow-copying the ancestor chain.
// Only map keys can be deleted; any other shape returns the state unchanged.
func DeleteAt(state any, path ...any) any {
	if len(path) == 0 {
		return nil
	}
	key, ok := path[0].(string)
	if !ok {
		return state
	}
	m, ok := state.(map[string]any)
	if !ok {
		return state
	}
	if _, present := m[key]; !present {
		return state
	}
	next := make(map[string]any, len(m))
	for k, v := range m {
		next[k] = v
	}
	if len(path) == 1 {
		delete(next, key)
	} else {
		next[key] = DeleteAt(m[key], path[1:]...)
	}
	return next
}

// SameRef reports reference identity between two sub-states without
// panicking on incomparable kinds. Maps, slices, pointers and the like
// compare by pointer; comparable scalars compare by value.
func SameRef(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != vb.Kind() {
		return false
	}
	switch va.Kind() {
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	default:
		if va.Type() != vb.Type() || !va.Type().Comparable() {
			return false
		}
		return a == b
	}
}
