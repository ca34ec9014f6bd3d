package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/store"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load default config: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if len(cfg.Workers.Services) != 4 {
		t.Fatalf("expected four default services, got %v", cfg.Workers.Services)
	}
}

func TestLoadConfigOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := "server:\n  addr: \":9090\"\nworkers:\n  parallel: 8\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("expected overridden addr, got %s", cfg.Server.Addr)
	}
	if cfg.Workers.Parallel != 8 {
		t.Fatalf("expected overridden parallelism, got %d", cfg.Workers.Parallel)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected untouched default log level, got %s", cfg.Log.Level)
	}
}

func TestLoadConfigRejectsDuplicateServices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := "workers:\n  services: [person, person]\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected duplicate service names to be rejected")
	}
}

func TestTagProcessorPartitionsCommands(t *testing.T) {
	p := newTagProcessor("actor")

	owned := talepreter.Command{Tag: "EQUIPMENT", Target: "sword", Data: talepreter.CommandData{Tag: "EQUIPMENT", Target: "sword"}}
	out, err := p.Process(context.Background(), owned)
	if err != nil {
		t.Fatalf("process owned command: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected owned command to pass through, got %d rows", len(out))
	}

	foreign := talepreter.Command{Tag: "PERSON", Target: "aziel", Data: talepreter.CommandData{Tag: "PERSON", Target: "aziel"}}
	out, err = p.Process(context.Background(), foreign)
	if err != nil {
		t.Fatalf("process foreign command: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected foreign command to be dropped, got %d rows", len(out))
	}
}

func TestTagProcessorRoutesTriggersByGrainType(t *testing.T) {
	p := newTagProcessor("person")
	cmd := talepreter.Command{
		Tag:    talepreter.TagTrigger,
		Target: "aziel",
		Data: talepreter.CommandData{
			Tag:    talepreter.TagTrigger,
			Target: "aziel",
			NamedParameters: []talepreter.NamedParameter{
				{Name: talepreter.TriggerParamID, Value: "death-1"},
				{Name: talepreter.TriggerParamType, Value: "death"},
				{Name: talepreter.TriggerParamGrain, Value: "person"},
				{Name: talepreter.TriggerParamAt, Value: "120"},
			},
		},
	}

	out, err := p.Process(context.Background(), cmd)
	if err != nil {
		t.Fatalf("process trigger: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected person trigger to be kept, got %d rows", len(out))
	}

	out, err = newTagProcessor("world").Process(context.Background(), cmd)
	if err != nil {
		t.Fatalf("process trigger on world: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected person trigger to be dropped by world, got %d rows", len(out))
	}
}

func TestDocumentExecutorProjectsCommand(t *testing.T) {
	docs := store.NewInMemoryDocumentStore()
	exec := &documentExecutor{docs: docs}

	cmd := &talepreter.Command{
		TaleID:        uuid.New(),
		TaleVersionID: uuid.New(),
		Chapter:       1,
		Page:          2,
		Tag:           "PERSON",
		Target:        "aziel",
		Data:          talepreter.CommandData{Tag: "PERSON", Target: "aziel", Comment: "enters the city"},
		OperationTime: time.Now().UTC(),
	}
	if err := exec.ExecuteCommand(context.Background(), cmd); err != nil {
		t.Fatalf("execute command: %v", err)
	}

	doc, err := docs.Get(context.Background(), cmd.TaleID, cmd.TaleVersionID, "PERSON:aziel", store.DocumentActive)
	if err != nil {
		t.Fatalf("get projected document: %v", err)
	}
	if doc == nil {
		t.Fatal("expected a projected document")
	}
	var body documentBody
	if err := json.Unmarshal(doc.Body, &body); err != nil {
		t.Fatalf("decode document body: %v", err)
	}
	if body.Target != "aziel" || body.Chapter != 1 || body.Page != 2 {
		t.Fatalf("unexpected projection body: %+v", body)
	}
}
