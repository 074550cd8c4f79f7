package progress

import (
	"io"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
)

// Renderer draws one tracker per stream on a terminal.
type Renderer struct {
	pw progress.Writer

	mu       sync.Mutex
	trackers map[string]*progress.Tracker
}

// NewRenderer starts rendering to out. Call Stop once all streams finished.
func NewRenderer(out io.Writer) *Renderer {
	pw := progress.NewWriter()
	pw.SetOutputWriter(out)
	pw.SetUpdateFrequency(100 * time.Millisecond)
	pw.SetAutoStop(false)
	pw.Style().Visibility.ETA = true

	r := &Renderer{
		pw:       pw,
		trackers: make(map[string]*progress.Tracker),
	}
	go pw.Render()
	return r
}

func (r *Renderer) Report(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracker, ok := r.trackers[e.Name]
	if !ok {
		tracker = &progress.Tracker{
			Message: e.Name,
			Total:   max(e.TotalBytes, 0),
			Units:   progress.UnitsBytes,
		}
		r.trackers[e.Name] = tracker
		r.pw.AppendTracker(tracker)
	}

	switch e.Kind {
	case Advanced:
		tracker.SetValue(e.BytesRead)
	case Finished:
		tracker.SetValue(e.BytesRead)
		if e.TotalBytes >= 0 && e.BytesRead < e.TotalBytes {
			tracker.MarkAsErrored()
		} else {
			tracker.MarkAsDone()
		}
	}
}

// Stop waits for the last frame to be drawn.
func (r *Renderer) Stop() {
	r.pw.Stop()
	for r.pw.IsRenderInProgress() {
		time.Sleep(10 * time.Millisecond)
	}
}
