package perf

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/huddlechat/callcore"
)

var (
	keyCallType = tag.MustNewKey("call_type")
	keyAnswered = tag.MustNewKey("answered")
	keyRelay    = tag.MustNewKey("relay")

	callsStarted = stats.Int64("callcore/calls_started", "Number of calls placed", stats.UnitDimensionless)
	callsEnded   = stats.Int64("callcore/calls_ended", "Number of calls torn down", stats.UnitDimensionless)
	callDuration = stats.Float64("callcore/call_duration", "Time from first answer to teardown", stats.UnitSeconds)
	iceRestarts  = stats.Int64("callcore/ice_restarts", "Number of ICE restarts sent", stats.UnitDimensionless)
)

// Views are the views over everything this module records.
var Views = []*view.View{
	{
		Name:        callsStarted.Name(),
		Description: callsStarted.Description(),
		Measure:     callsStarted,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{keyCallType},
	},
	{
		Name:        callsEnded.Name(),
		Description: callsEnded.Description(),
		Measure:     callsEnded,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{keyAnswered},
	},
	{
		Name:        callDuration.Name(),
		Description: callDuration.Description(),
		Measure:     callDuration,
		Aggregation: view.Distribution(5, 30, 60, 300, 900, 1800, 3600),
	},
	{
		Name:        iceRestarts.Name(),
		Description: iceRestarts.Description(),
		Measure:     iceRestarts,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{keyRelay},
	},
}

// RegisterViews registers Views. Nothing is aggregated until this is called.
func RegisterViews() error {
	return view.Register(Views...)
}

// UnregisterViews undoes RegisterViews.
func UnregisterViews() {
	view.Unregister(Views...)
}

// RecordCallStarted counts a placed call.
func RecordCallStarted(ctx context.Context, callType string) {
	record(ctx, []tag.Mutator{tag.Upsert(keyCallType, callType)}, callsStarted.M(1))
}

// RecordCallEnded counts a torn down call. A zero duration means it was
// never answered.
func RecordCallEnded(ctx context.Context, duration time.Duration) {
	answered := duration > 0
	mutators := []tag.Mutator{tag.Upsert(keyAnswered, strconv.FormatBool(answered))}
	if !answered {
		record(ctx, mutators, callsEnded.M(1))
		return
	}
	record(ctx, mutators, callsEnded.M(1), callDuration.M(duration.Seconds()))
}

// RecordICERestart counts an ICE restart offer.
func RecordICERestart(ctx context.Context, relayOnly bool) {
	record(ctx, []tag.Mutator{tag.Upsert(keyRelay, strconv.FormatBool(relayOnly))}, iceRestarts.M(1))
}

func record(ctx context.Context, mutators []tag.Mutator, ms ...stats.Measurement) {
	if err := stats.RecordWithTags(ctx, mutators, ms...); err != nil {
		callcore.Logger.Debugw("error recording stats", "error", err)
	}
}

// NewLoggingViewExporter returns a view exporter that writes every row to
// logger. Meant for development.
func NewLoggingViewExporter(logger golog.Logger) view.Exporter {
	return &loggingViewExporter{logger: logger}
}

type loggingViewExporter struct {
	logger golog.Logger
}

// ExportView logs each row of vd.
func (e *loggingViewExporter) ExportView(vd *view.Data) {
	for _, row := range vd.Rows {
		e.logger.Infow(vd.View.Name, "value", describeRow(row), "tags", describeTags(row.Tags))
	}
}

func describeRow(row *view.Row) string {
	switch v := row.Data.(type) {
	case *view.DistributionData:
		return fmt.Sprintf("distribution: count=%d min=%.1f max=%.1f mean=%.1f", v.Count, v.Min, v.Max, v.Mean)
	case *view.CountData:
		return fmt.Sprintf("count: %d", v.Value)
	case *view.SumData:
		return fmt.Sprintf("sum: %v", v.Value)
	case *view.LastValueData:
		return fmt.Sprintf("last: %v", v.Value)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func describeTags(tags []tag.Tag) string {
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		parts = append(parts, t.Key.Name()+"="+t.Value)
	}
	return strings.Join(parts, ",")
}
