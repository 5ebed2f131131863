// Package whisper runs whisper.cpp through cgo.
package whisper

/*
#cgo CFLAGS: -I${SRCDIR}/../../../whisper.cpp/include -I${SRCDIR}/../../../whisper.cpp/ggml/include
#cgo LDFLAGS: -L${SRCDIR}/../../../whisper.cpp/build/src -L${SRCDIR}/../../../whisper.cpp/build/ggml/src -lwhisper -lggml -lm -Wl,-rpath,${SRCDIR}/../../../whisper.cpp/build/src -Wl,-rpath,${SRCDIR}/../../../whisper.cpp/build/ggml/src
#include "whisper.h"
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/yok-tottii/EzS2T-Mix/internal/recognition"
)

// Engine implements recognition.Engine using whisper.cpp
type Engine struct {
	ctx *C.struct_whisper_context
	mu  sync.Mutex
}

var _ recognition.Engine = (*Engine)(nil)

// New creates an engine with no model loaded.
func New() *Engine {
	return &Engine{}
}

// LoadModel loads a Whisper model from the specified path
func (e *Engine) LoadModel(modelPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", modelPath)
	}

	cModelPath := C.CString(modelPath)
	defer C.free(unsafe.Pointer(cModelPath))

	ctx := C.whisper_init_from_file_with_params(cModelPath, C.whisper_context_default_params())
	if ctx == nil {
		return fmt.Errorf("failed to load model from: %s", modelPath)
	}

	if e.ctx != nil {
		C.whisper_free(e.ctx)
	}
	e.ctx = ctx
	return nil
}

// Loaded reports whether a model is loaded.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx != nil
}

// Transcribe runs inference on mono samples at recognition.SampleRate.
// Inference itself cannot be interrupted; ctx is checked before it starts.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, opts recognition.Options) ([]recognition.Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx == nil {
		return nil, fmt.Errorf("model not loaded")
	}
	if len(samples) == 0 {
		return nil, recognition.ErrEmptyAudio
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := C.whisper_full_default_params(C.WHISPER_SAMPLING_GREEDY)

	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	cLanguage := C.CString(lang)
	defer C.free(unsafe.Pointer(cLanguage))
	params.language = cLanguage
	params.translate = C.bool(opts.Translate)
	params.print_progress = C.bool(false)
	params.print_realtime = C.bool(false)
	if opts.Threads > 0 {
		params.n_threads = C.int(opts.Threads)
	}

	result := C.whisper_full(
		e.ctx,
		params,
		(*C.float)(unsafe.Pointer(&samples[0])),
		C.int(len(samples)),
	)
	if result != 0 {
		return nil, fmt.Errorf("whisper_full failed with code: %d", result)
	}

	n := int(C.whisper_full_n_segments(e.ctx))
	segments := make([]recognition.Segment, 0, n)
	for i := 0; i < n; i++ {
		// Timestamps are in units of 10 ms.
		t0 := int64(C.whisper_full_get_segment_t0(e.ctx, C.int(i)))
		t1 := int64(C.whisper_full_get_segment_t1(e.ctx, C.int(i)))
		segments = append(segments, recognition.Segment{
			Start: time.Duration(t0) * 10 * time.Millisecond,
			End:   time.Duration(t1) * 10 * time.Millisecond,
			Text:  C.GoString(C.whisper_full_get_segment_text(e.ctx, C.int(i))),
		})
	}
	return segments, nil
}

// Close releases resources
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx != nil {
		C.whisper_free(e.ctx)
		e.ctx = nil
	}
	return nil
}
