package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"slotguard/internal/domain"
)

type counting struct{ status, task int }

func (c *counting) EmitStatus(context.Context, Kind, time.Time)            { c.status++ }
func (c *counting) EmitTask(context.Context, Kind, domain.Task, time.Time) { c.task++ }

func TestMulti_FansOut(t *testing.T) {
	a, b := &counting{}, &counting{}
	m := Multi{a, Log{}, b}
	m.EmitStatus(context.Background(), CheckingPeriodic, time.Now())
	m.EmitTask(context.Background(), SchedulingPeriodic, domain.Task{Type: "report"}, time.Now())
	if a.status != 1 || b.status != 1 || a.task != 1 || b.task != 1 {
		t.Fatalf("unexpected counts: a=%+v b=%+v", a, b)
	}
}

func TestNewMessage_EncodesTask(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 5, 30, 0, time.UTC)
	task := domain.Task{ID: "tsk_1", Type: "DailyReport", Args: json.RawMessage(`[1,"a"]`), Kwargs: json.RawMessage(`{"x":true}`)}
	msg := newMessage("default", SchedulingPeriodic, &task, ts)

	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["kind"] != "scheduling-periodic" || decoded["queue"] != "default" {
		t.Fatalf("unexpected envelope: %s", body)
	}
	tp, ok := decoded["task"].(map[string]any)
	if !ok || tp["type"] != "DailyReport" || tp["id"] != "tsk_1" {
		t.Fatalf("unexpected task payload: %s", body)
	}
	if msg.ID == "" {
		t.Fatal("message id not set")
	}
}

func TestNewMessage_StatusHasNoTask(t *testing.T) {
	msg := newMessage("default", CheckingPeriodic, nil, time.Now())
	if msg.Task != nil {
		t.Fatal("status event should not carry a task")
	}
}
