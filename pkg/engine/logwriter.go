package engine

import (
	"bytes"
	"sync"

	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/storage"
)

// containerLogWriter adapts a container process's stdout/stderr into
// the per-container append-only log of spec section 4.1, splitting the
// raw byte stream on newlines before persisting each line, grounded on
// the teacher's pkg/embedded/containerd.go logWriter adapter shape.
type containerLogWriter struct {
	store       storage.Store
	containerID string

	mu  sync.Mutex
	buf []byte
}

func newContainerLogWriter(store storage.Store, containerID string) *containerLogWriter {
	return &containerLogWriter{store: store, containerID: containerID}
}

func (w *containerLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		if err := w.store.AppendLog(w.containerID, line); err != nil {
			log.WithComponent("engine").Warn().Err(err).Str("container_id", w.containerID).Msg("append log line")
		}
	}
	return len(p), nil
}

// flush persists any trailing partial line once the process has
// exited, so output without a final newline is not silently dropped.
func (w *containerLogWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) == 0 {
		return
	}
	if err := w.store.AppendLog(w.containerID, string(w.buf)); err != nil {
		log.WithComponent("engine").Warn().Err(err).Str("container_id", w.containerID).Msg("append log line")
	}
	w.buf = nil
}
