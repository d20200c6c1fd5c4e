package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/an0mium/chemdata/internal/config"
	"github.com/an0mium/chemdata/internal/telemetry"
)

func TestNewEvent(t *testing.T) {
	e := NewEvent(TypeStepCompleted, "run-1", "parse", map[string]int{"rows": 12})
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Fatalf("event missing id or timestamp: %+v", e)
	}
	var data map[string]int
	if err := json.Unmarshal(e.Data, &data); err != nil || data["rows"] != 12 {
		t.Fatalf("data = %s, err = %v", e.Data, err)
	}
	if got := Subject("chemdata", e); got != "chemdata.step.completed" {
		t.Fatalf("Subject() = %q", got)
	}
	if NewEvent(TypeRunStarted, "run-1", "", nil).Data != nil {
		t.Fatal("nil data should stay empty")
	}
}

func TestOpenWithoutNATS(t *testing.T) {
	p, err := Open(config.EventsConfig{}, telemetry.NewDiscardLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, ok := p.(Nop); !ok {
		t.Fatalf("Open() = %T, want Nop", p)
	}
	if err := p.Publish(context.Background(), NewEvent(TypeRunCompleted, "r", "", nil)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
