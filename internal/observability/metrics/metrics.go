// Package metrics standardises the metric names and tags emitted by the request lifecycle engine.
package metrics

import (
	"time"

	obserrors "github.com/target/quotaflow/internal/observability/errors"
	"github.com/target/quotaflow/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"

	ResultInsufficient = "insufficient"
	ResultDuplicate    = "duplicate"
	ResultRejected     = "rejected"
	ResultAccepted     = "accepted"
	ResultRetried      = "retried"
)

// RequestMetric captures one request lifecycle transition.
type RequestMetric struct {
	WorkType   string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitRequestLifecycle emits pipeline.request counts and, when a duration is known, timing.
func EmitRequestLifecycle(sink statsd.Sink, in RequestMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"work_type":  in.WorkType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	addErrorClass(tags, in.Err)

	sink.Count("pipeline.request", 1, tags)
	if in.Duration > 0 {
		sink.Timing("pipeline.request_duration", in.Duration, CloneTags(tags))
	}
}

// EmitStage records the duration of one executor call.
func EmitStage(sink statsd.Sink, workType, stage string, d time.Duration, err error) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	tags := map[string]string{"work_type": workType, "stage": stage, "result": result}
	addErrorClass(tags, err)
	sink.Timing("pipeline.stage", d, tags)
}

// EmitQuota counts a quota operation. op is reserve, release or reconcile.
func EmitQuota(sink statsd.Sink, op, result string, tokens int64) {
	if sink == nil {
		return
	}
	tags := map[string]string{"result": result}
	if op == "reconcile" {
		tags = map[string]string{"action": result}
	}
	sink.Count("quota."+op, 1, tags)
	if tokens > 0 {
		sink.Count("quota."+op+"_tokens", tokens, CloneTags(tags))
	}
}

// EmitIntake counts the outcome of one inbound message.
func EmitIntake(sink statsd.Sink, topic, result string, err error) {
	if sink == nil {
		return
	}
	tags := map[string]string{"topic": topic, "result": result}
	addErrorClass(tags, err)
	sink.Count("intake.message", 1, tags)
}

func addErrorClass(tags map[string]string, err error) {
	if err == nil {
		return
	}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// EmitNotification counts one delivery attempt to a failure notification sink.
func EmitNotification(sink statsd.Sink, name string, d time.Duration, err error) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	tags := map[string]string{"sink": name, "result": result}
	sink.Count("notify.delivery", 1, tags)
	sink.Timing("notify.delivery_duration", d, CloneTags(tags))
}
