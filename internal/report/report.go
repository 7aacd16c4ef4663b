// Package report collects work unit outcomes and renders them.
package report

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/quantarax/quicreq/internal/scheduler"
)

// Collector is a scheduler.Recorder safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	outcomes []scheduler.Outcome
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Record(o scheduler.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
}

// Outcomes returns a copy of the recorded outcomes ordered by index.
func (c *Collector) Outcomes() []scheduler.Outcome {
	c.mu.Lock()
	out := append([]scheduler.Outcome(nil), c.outcomes...)
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

type Summary struct {
	Total     int
	Completed int
	Failed    int
	Bytes     int64
	ByKind    map[scheduler.ErrorKind]int
}

func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Summary{Total: len(c.outcomes), ByKind: map[scheduler.ErrorKind]int{}}
	for _, o := range c.outcomes {
		s.Bytes += o.Bytes
		if o.Succeeded() {
			s.Completed++
			continue
		}
		s.Failed++
		s.ByKind[o.Kind]++
	}
	return s
}

// AllSucceeded reports whether every recorded outcome completed. It is
// false when nothing was recorded.
func (c *Collector) AllSucceeded() bool {
	s := c.Summary()
	return s.Total > 0 && s.Failed == 0
}

// WriteLines writes one line per outcome in index order followed by a
// summary line.
func (c *Collector) WriteLines(w io.Writer) error {
	for _, o := range c.Outcomes() {
		if _, err := fmt.Fprintln(w, FormatOutcome(o)); err != nil {
			return err
		}
	}
	s := c.Summary()
	_, err := fmt.Fprintf(w, "requests=%d completed=%d failed=%d bytes=%d\n", s.Total, s.Completed, s.Failed, s.Bytes)
	return err
}

// FormatOutcome renders o as a single line.
func FormatOutcome(o scheduler.Outcome) string {
	line := fmt.Sprintf("#%d %s %s status=%d bytes=%d elapsed=%s",
		o.Index, o.State, o.URL, o.Status, o.Bytes, o.Elapsed.Round(time.Millisecond))
	if o.Digest != "" {
		d := o.Digest
		if len(d) > 16 {
			d = d[:16]
		}
		line += " blake3=" + d
	}
	if o.Err != nil {
		line += fmt.Sprintf(" error=%q", o.Err.Error())
	}
	return line
}
