// Package metrics standardises the metric names and tags emitted across the
// ingress, worker, and scheduler loops.
package metrics

import (
	goerrors "errors"
	"reflect"
	"strings"
	"time"

	"github.com/mxtoai/mailengine/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// EmitIngressDecision counts one ingress validation outcome. outcome is
// "accepted" or the rejection kind.
func EmitIngressDecision(sink statsd.Sink, outcome, handle string) {
	if sink == nil {
		return
	}
	tags := map[string]string{"outcome": outcome}
	if handle != "" {
		tags["handle"] = handle
	}
	sink.Count("ingress.decision", 1, tags)
}

// QueueMetric captures one settled queue item for metric emission.
type QueueMetric struct {
	Result    string
	Scheduled bool
	Retried   bool
	Duration  time.Duration
	Err       error
}

// EmitQueueItem emits processing metrics for one drained queue item.
func EmitQueueItem(sink statsd.Sink, in QueueMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"result":    in.Result,
		"scheduled": boolTag(in.Scheduled),
		"retried":   boolTag(in.Retried),
	}
	if in.Err != nil && in.Result == ResultError {
		if class := Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("queue.item", 1, tags)
	if in.Duration > 0 {
		sink.Timing("queue.item.duration", in.Duration, cloneTags(tags))
	}
}

// FiringMetric captures one scheduler job firing for metric emission.
type FiringMetric struct {
	Result   string
	OneShot  bool
	Misfire  bool
	Duration time.Duration
	Err      error
}

// EmitFiring emits metrics for one scheduler job firing attempt.
func EmitFiring(sink statsd.Sink, in FiringMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"result":   in.Result,
		"one_shot": boolTag(in.OneShot),
		"misfire":  boolTag(in.Misfire),
	}
	if in.Err != nil && in.Result == ResultError {
		if class := Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("scheduler.firing", 1, tags)
	if in.Duration > 0 {
		sink.Timing("scheduler.firing.duration", in.Duration, cloneTags(tags))
	}
}

// Classify returns a normalized error type name suitable for tagging. It
// unwraps to the innermost error so wrapper chains do not hide the signal.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}

func boolTag(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func cloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
