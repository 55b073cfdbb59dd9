// Package failfast panics on programmer errors at API boundaries.
// Runtime conditions are reported through error returns instead.
package failfast

import (
	"fmt"
	"reflect"
)

// If panics if condition is false.
func If(condition bool, message string, args ...interface{}) {
	if !condition {
		panic(fmt.Errorf("fail-fast: "+message, args...))
	}
}

// NotNil panics if ptr is nil, including typed nil pointers and nil functions.
func NotNil(ptr interface{}, name string) {
	if ptr == nil {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
	v := reflect.ValueOf(ptr)
	if (v.Kind() == reflect.Ptr || v.Kind() == reflect.Func) && v.IsNil() {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
}
