package bpmn

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/senseyeio/duration"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
)

// timerConfig is the HandlerConfig payload of timer jobs.
type timerConfig struct {
	ElementId         string `json:"elementId"`
	EndDateExpression string `json:"endDateExpression,omitempty"`
}

func encodeTimerConfig(cfg timerConfig) string {
	raw, _ := json.Marshal(cfg)
	return string(raw)
}

func decodeTimerConfig(raw string) (timerConfig, error) {
	var cfg timerConfig
	// definition suspend/activate timers carry no config
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, newEngineErrorf("malformed timer config %q: %s", raw, err)
	}
	return cfg, nil
}

// parseTimeCycle splits an ISO-8601 repetition like R10/PT2S into the
// repetition count and the interval; a bare R means unbounded (-1).
func parseTimeCycle(cycle string) (int, string, error) {
	parts := strings.SplitN(cycle, "/", 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "R") {
		return 0, "", newEngineErrorf("malformed time cycle %q", cycle)
	}
	countPart := strings.TrimPrefix(parts[0], "R")
	if countPart == "" {
		return -1, parts[1], nil
	}
	count, err := strconv.Atoi(countPart)
	if err != nil || count < 1 {
		return 0, "", newEngineErrorf("malformed repetition count in time cycle %q", cycle)
	}
	return count, parts[1], nil
}

func formatTimeCycle(count int, interval string) string {
	if count < 0 {
		return "R/" + interval
	}
	return "R" + strconv.Itoa(count) + "/" + interval
}

// timerDueAndRepeat computes the first due date of a timer definition
// and the remaining cycle to store alongside it.
func (engine *Engine) timerDueAndRepeat(def bpmn20.TTimerEventDefinition, now time.Time) (time.Time, string, error) {
	switch {
	case def.TimeDate != "":
		due, err := time.Parse(time.RFC3339, def.TimeDate)
		if err != nil {
			return time.Time{}, "", newEngineErrorf("malformed timer date %q: %s", def.TimeDate, err)
		}
		return due, "", nil
	case def.TimeCycle != "":
		count, interval, err := parseTimeCycle(def.TimeCycle)
		if err != nil {
			return time.Time{}, "", err
		}
		d, err := duration.ParseISO8601(interval)
		if err != nil {
			return time.Time{}, "", newEngineErrorf("malformed timer interval %q: %s", interval, err)
		}
		return d.Shift(now), formatTimeCycle(count, interval), nil
	case def.TimeDuration != "":
		d, err := duration.ParseISO8601(def.TimeDuration)
		if err != nil {
			return time.Time{}, "", newEngineErrorf("malformed timer duration %q: %s", def.TimeDuration, err)
		}
		return d.Shift(now), "", nil
	default:
		return time.Time{}, "", newEngineErrorf("timer event definition carries no due information")
	}
}

// createTimerCatch arms an element-level timer wait on the execution.
func (engine *Engine) createTimerCatch(ec *executionContext, execution *runtime.Execution, elementId string, def bpmn20.TTimerEventDefinition) error {
	due, repeat, err := engine.timerDueAndRepeat(def, engine.clock.Now())
	if err != nil {
		return err
	}
	ec.cc.addTimerJob(&runtime.TimerJob{
		Key:                  engine.generateKey(),
		ExecutionKey:         execution.Key,
		ProcessInstanceKey:   execution.ProcessInstanceKey,
		ProcessDefinitionKey: execution.ProcessDefinitionKey,
		HandlerType:          runtime.JobHandlerTimerTrigger,
		HandlerConfig: encodeTimerConfig(timerConfig{
			ElementId:         elementId,
			EndDateExpression: def.EndDateExpression,
		}),
		DueDate:   due,
		Repeat:    repeat,
		TenantId:  execution.TenantId,
		CreatedAt: engine.clock.Now(),
	})
	return nil
}

// createTimerStartJobs arms one timer row per timer start event of a
// freshly deployed or reactivated definition.
func (engine *Engine) createTimerStartJobs(cc *CommandContext, definition *runtime.ProcessDefinition) error {
	now := engine.clock.Now()
	for _, se := range definition.Definitions.Process.StartEvents {
		if se.TimerEventDefinition.Id == "" {
			continue
		}
		due, repeat, err := engine.timerDueAndRepeat(se.TimerEventDefinition, now)
		if err != nil {
			return err
		}
		cc.addTimerJob(&runtime.TimerJob{
			Key:                  engine.generateKey(),
			ProcessDefinitionKey: definition.Key,
			HandlerType:          runtime.JobHandlerTimerStartEvent,
			HandlerConfig:        encodeTimerConfig(timerConfig{ElementId: se.Id}),
			DueDate:              due,
			Repeat:               repeat,
			TenantId:             definition.TenantId,
			CreatedAt:            now,
		})
	}
	return nil
}

// rescheduleTimer inserts the next row of a cyclic timer after a fire.
// Scheduling is drift-free: the next due date shifts from the fired due
// date, not from the promotion time. Returns false when the cycle is
// exhausted or the end date expression cut it off.
func (engine *Engine) rescheduleTimer(cc *CommandContext, timer *runtime.TimerJob, endDate *time.Time) (bool, error) {
	if timer.Repeat == "" {
		return false, nil
	}
	count, interval, err := parseTimeCycle(timer.Repeat)
	if err != nil {
		return false, err
	}
	if count == 1 {
		return false, nil
	}
	if count > 1 {
		count--
	}
	d, err := duration.ParseISO8601(interval)
	if err != nil {
		return false, newEngineErrorf("malformed timer interval %q: %s", interval, err)
	}
	due := d.Shift(timer.DueDate)
	if endDate != nil && due.After(*endDate) {
		return false, nil
	}
	next := *timer
	next.Key = engine.generateKey()
	next.DueDate = due
	next.Repeat = formatTimeCycle(count, interval)
	next.Revision = 0
	next.CreatedAt = engine.clock.Now()
	cc.addTimerJob(&next)
	return true, nil
}

// timerEndDate evaluates a cycle's optional end date expression against
// the instance variables; nil when unset.
func (engine *Engine) timerEndDate(cfg timerConfig, variables map[string]any) (*time.Time, error) {
	if cfg.EndDateExpression == "" {
		return nil, nil
	}
	value, err := engine.evaluateExpression(cfg.EndDateExpression, variables)
	if err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case time.Time:
		return &v, nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, newEngineErrorf("end date expression yielded %q, not an RFC3339 date: %s", v, err)
		}
		return &t, nil
	default:
		return nil, newEngineErrorf("end date expression yielded %v, not a date", value)
	}
}
