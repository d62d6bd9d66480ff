package reflector

import (
	"reflect"
	"sync"
)

var (
	mu    sync.RWMutex
	cache = make(map[reflect.Type]string)
)

// TypeNameOf derives the stable event type name for a value: the type's
// package path joined with its name, pointers unwrapped.
func TypeNameOf(x any) string {
	return typeNameForType(reflect.TypeOf(x))
}

// TypeNameFor derives the stable event type name for T.
func TypeNameFor[T any]() string {
	return typeNameForType(reflect.TypeOf((*T)(nil)).Elem())
}

func typeNameForType(t reflect.Type) string {
	mu.RLock()
	name, ok := cache[t]
	mu.RUnlock()
	if ok {
		return name
	}

	if t == nil {
		return ""
	}
	key := t
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name = t.PkgPath() + "." + t.Name()

	mu.Lock()
	cache[key] = name
	mu.Unlock()
	return name
}
