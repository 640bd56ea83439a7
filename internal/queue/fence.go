package queue

import "sync/atomic"

// fenceWord is only touched to obtain barrier semantics
var fenceWord int64

// storeFence orders the completion entry body before its status dword.
// An atomic read-modify-write is a full fence on amd64 (LOCK XADD) and arm64.
func storeFence() {
	atomic.AddInt64(&fenceWord, 0)
}
