// Package progress reports byte progress of long running transfers.
//
// Producers wrap their streams in a Reader which emits Events to a Sink.
// Every stream ends with exactly one Finished event, whether it was read to
// the end or closed early.
package progress

import (
	"io"
	"sync"
)

type Kind int

const (
	Started Kind = iota
	Advanced
	Finished
)

func (k Kind) String() string {
	switch k {
	case Started:
		return "started"
	case Advanced:
		return "advanced"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind       Kind
	Name       string
	BytesRead  int64
	TotalBytes int64 // -1 if unknown
}

type Sink interface {
	Report(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Report(e Event) { f(e) }

type noOpSink struct{}

func (noOpSink) Report(Event) {}

// NoOp discards every event.
var NoOp Sink = noOpSink{}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Report(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Reader counts bytes read from the wrapped stream.
type Reader struct {
	rc    io.ReadCloser
	name  string
	total int64
	read  int64
	sink  Sink
	once  sync.Once
}

// NewReader wraps rc and reports a Started event right away.
func NewReader(rc io.ReadCloser, name string, total int64, sink Sink) *Reader {
	if sink == nil {
		sink = NoOp
	}
	r := &Reader{rc: rc, name: name, total: total, sink: sink}
	sink.Report(Event{Kind: Started, Name: name, TotalBytes: total})
	return r
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.read += int64(n)
		r.sink.Report(Event{Kind: Advanced, Name: r.name, BytesRead: r.read, TotalBytes: r.total})
	}
	if err == io.EOF {
		r.finish()
	}
	return n, err
}

func (r *Reader) Close() error {
	r.finish()
	return r.rc.Close()
}

func (r *Reader) finish() {
	r.once.Do(func() {
		r.sink.Report(Event{Kind: Finished, Name: r.name, BytesRead: r.read, TotalBytes: r.total})
	})
}
