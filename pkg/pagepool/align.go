package pagepool

import "unsafe"

// uintptrOf returns the address of buf's backing array for alignment math.
// This does not retain the pointer beyond the call, so it does not confuse
// the garbage collector.
func uintptrOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}
