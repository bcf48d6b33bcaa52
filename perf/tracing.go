// Package perf records call metrics and exports spans and views for
// development.
package perf

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"

	"github.com/edaniels/golog"
	"go.opencensus.io/trace"
)

type spanInfo struct {
	toPrint string
	id      string
}

type loggingSpanExporter struct {
	logger golog.Logger

	mu       sync.Mutex
	children map[string][]spanInfo
}

// NewLoggingSpanExporter creates an Exporter that logs each finished root
// span with its children indented beneath it.
func NewLoggingSpanExporter(logger golog.Logger) trace.Exporter {
	return &loggingSpanExporter{logger: logger, children: map[string][]spanInfo{}}
}

var reZero = regexp.MustCompile(`^0+$`)

func (e *loggingSpanExporter) logTree(root, padding string) {
	for _, s := range e.children[root] {
		e.logger.Info(padding + " " + s.toPrint)
		e.logTree(s.id, padding+"  ")
	}
	delete(e.children, root)
}

func (e *loggingSpanExporter) ExportSpan(s *trace.SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := fmt.Sprintf("%s %d ms", s.Name, s.EndTime.Sub(s.StartTime).Milliseconds())
	if s.Status.Code != trace.StatusCodeOK {
		info += " error: " + s.Status.Message
	}
	for _, a := range s.Annotations {
		info += " " + a.Message
	}

	spanID := hex.EncodeToString(s.SpanID[:])
	parentSpanID := hex.EncodeToString(s.ParentSpanID[:])
	if !reZero.MatchString(parentSpanID) {
		e.children[parentSpanID] = append(e.children[parentSpanID], spanInfo{info, spanID})
		return
	}

	e.logger.Info(info)
	e.logTree(spanID, "  ")
}
