// Package stats provides zero-overhead-when-disabled counters for
// diagnostics; the buffer cache's hit, miss and eviction counts use them.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"
)

// Enabled gates every counter increment to a single untaken branch when
// false, matching the teacher's compile-time-style Stats flag without an
// actual build tag (this core has no forked runtime to carry one).
const Enabled = true

/// Counter_t is a statistical counter, incremented with Inc/Add.
type Counter_t int64

func (c *Counter_t) ptr() *int64 { return (*int64)(unsafe.Pointer(c)) }

/// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64(c.ptr(), 1)
	}
}

/// Add adds n to the counter.
func (c *Counter_t) Add(n int64) {
	if Enabled {
		atomic.AddInt64(c.ptr(), n)
	}
}

/// Get reads the counter's current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64(c.ptr())
}

/// Stats2String renders every Counter_t field of st (a struct, passed by
/// value or pointer) as "name: value" lines.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
