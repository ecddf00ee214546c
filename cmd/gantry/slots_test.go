package main

import (
	"strings"
	"testing"

	"github.com/gantryhq/gantry/internal/slot"
)

func TestSlotsList_FreshPool(t *testing.T) {
	cfgPath := setupStore(t)

	out, err := runCLI(t, "", "slots", "list", "--config", cfgPath, "--project", "app")
	if err != nil {
		t.Fatalf("slots list failed: %v\noutput: %s", err, out)
	}

	if !strings.Contains(out, "SLOT") || !strings.Contains(out, "STATUS") {
		t.Errorf("expected table header, got: %s", out)
	}
	if got := strings.Count(out, "idle"); got != 2 {
		t.Errorf("expected 2 idle slots, counted %d in: %s", got, out)
	}
}

func TestSlotsList_RequiresProject(t *testing.T) {
	cfgPath := setupStore(t)

	if _, err := runCLI(t, "", "slots", "list", "--config", cfgPath); err == nil {
		t.Error("expected error when --project is missing")
	}
}

func TestSlotsList_UnknownProject(t *testing.T) {
	cfgPath := setupStore(t)

	out, err := runCLI(t, "", "slots", "list", "--config", cfgPath, "--project", "ghost")
	if err != nil {
		t.Fatalf("slots list failed: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "No slots for ghost") {
		t.Errorf("expected empty pool message, got: %s", out)
	}
}

func TestSlotsList_ShowsBinding(t *testing.T) {
	cfgPath := setupStore(t)
	gormDB := openStore(t, cfgPath)

	s, err := slot.Acquire(gormDB, "app")
	if err != nil || s == nil {
		t.Fatalf("acquire slot: slot=%v err=%v", s, err)
	}
	if err := slot.Update(gormDB, s.ID, slot.Binding{CardID: "card-busy", JobID: "job-busy"}); err != nil {
		t.Fatalf("bind slot: %v", err)
	}

	out, err := runCLI(t, "", "slots", "list", "--config", cfgPath, "--project", "app")
	if err != nil {
		t.Fatalf("slots list failed: %v\noutput: %s", err, out)
	}
	for _, want := range []string{"running", "card-busy", "job-busy"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected list to contain %q, got: %s", want, out)
		}
	}
}

func TestSlotsInit_Resizes(t *testing.T) {
	cfgPath := setupStore(t)

	out, err := runCLI(t, "", "slots", "init", "--config", cfgPath, "--project", "app", "--count", "4")
	if err != nil {
		t.Fatalf("slots init failed: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "Initialized 4 slot(s) for app") {
		t.Errorf("expected init confirmation, got: %s", out)
	}

	out, err = runCLI(t, "", "slots", "list", "--config", cfgPath, "--project", "app")
	if err != nil {
		t.Fatalf("slots list failed: %v\noutput: %s", err, out)
	}
	if got := strings.Count(out, "idle"); got != 4 {
		t.Errorf("expected 4 idle slots after resize, counted %d in: %s", got, out)
	}
}
