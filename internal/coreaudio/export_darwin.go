//go:build darwin && cgo

package coreaudio

/*
#include <stdint.h>
#include <CoreAudio/CoreAudio.h>
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"
)

//export ezsIOData
func ezsIOData(handle C.uintptr_t, in *C.AudioBufferList) {
	p, ok := cgo.Handle(handle).Value().(*ioProc)
	if !ok || p.stopping.Load() || p.cb.Data == nil {
		return
	}
	bufs := unsafe.Slice((*C.AudioBuffer)(unsafe.Pointer(&in.mBuffers[0])), int(in.mNumberBuffers))
	p.deliver(bufs)
}

//export ezsDeviceDied
func ezsDeviceDied(handle C.uintptr_t) {
	p, ok := cgo.Handle(handle).Value().(*ioProc)
	if !ok || p.cb.Stopped == nil {
		return
	}
	if p.stopping.CompareAndSwap(false, true) {
		p.cb.Stopped()
	}
}
