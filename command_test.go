package talepreter

import (
	"testing"

	"github.com/google/uuid"
)

func triggerCommand(params ...NamedParameter) Command {
	return Command{
		TaleID:        uuid.New(),
		TaleVersionID: uuid.New(),
		Chapter:       1,
		Page:          2,
		Tag:           TagTrigger,
		Target:        "kings-bane",
		Data: CommandData{
			Tag:             TagTrigger,
			Target:          "kings-bane",
			NamedParameters: params,
		},
	}
}

func TestTriggerOf(t *testing.T) {
	cmd := triggerCommand(
		NamedParameter{Name: TriggerParamID, Value: "poison-1"},
		NamedParameter{Name: TriggerParamType, Value: "expire"},
		NamedParameter{Name: TriggerParamParameter, Value: "slow"},
		NamedParameter{Name: TriggerParamGrain, Value: "person"},
		NamedParameter{Name: TriggerParamAt, Value: "1250"},
	)

	trig, err := cmd.TriggerOf()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trig.ID != "poison-1" || trig.Type != "expire" || trig.GrainType != "person" {
		t.Fatalf("unexpected trigger: %+v", trig)
	}
	if trig.TriggerAt != 1250 {
		t.Fatalf("expected trigger date 1250, got %d", trig.TriggerAt)
	}
	if trig.Target != "kings-bane" || trig.GrainID != "kings-bane" {
		t.Fatalf("trigger target should come from the command target: %+v", trig)
	}
	if trig.State != TriggerSet {
		t.Fatalf("fresh trigger must start in set state, got %v", trig.State)
	}
}

func TestTriggerOfMissingParameters(t *testing.T) {
	cmd := triggerCommand(
		NamedParameter{Name: TriggerParamID, Value: "poison-1"},
		NamedParameter{Name: TriggerParamType, Value: "expire"},
	)
	if _, err := cmd.TriggerOf(); err == nil {
		t.Fatal("expected error for trigger without grain type")
	} else if ErrorCode(err) != ErrCodeCommandValidation {
		t.Fatalf("expected validation code, got %q", ErrorCode(err))
	}
}

func TestTriggerOfBadDate(t *testing.T) {
	cmd := triggerCommand(
		NamedParameter{Name: TriggerParamID, Value: "poison-1"},
		NamedParameter{Name: TriggerParamType, Value: "expire"},
		NamedParameter{Name: TriggerParamGrain, Value: "person"},
		NamedParameter{Name: TriggerParamAt, Value: "someday"},
	)
	if _, err := cmd.TriggerOf(); err == nil {
		t.Fatal("expected error for non numeric trigger date")
	}
}

func TestTriggerRoundTrip(t *testing.T) {
	trig := Trigger{
		ID:            "storm-3",
		TaleID:        uuid.New(),
		TaleVersionID: uuid.New(),
		State:         TriggerSet,
		TriggerAt:     900,
		Target:        "harbor",
		GrainType:     "settlement",
		GrainID:       "harbor",
		Type:          "flood",
	}

	cmd := trig.ToCommand(3, 0)
	if !cmd.IsTrigger() {
		t.Fatal("rendered command must carry the trigger tag")
	}
	back, err := cmd.TriggerOf()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back.ID != trig.ID || back.Type != trig.Type || back.TriggerAt != trig.TriggerAt {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, trig)
	}
}

func TestPageRefValidate(t *testing.T) {
	ref := PageRef{TaleID: uuid.New(), TaleVersionID: uuid.New(), Chapter: 0, Page: 0}
	if err := ref.Validate(); err != nil {
		t.Fatalf("valid ref rejected: %v", err)
	}

	bad := []PageRef{
		{TaleVersionID: uuid.New()},
		{TaleID: uuid.New()},
		{TaleID: uuid.New(), TaleVersionID: uuid.New(), Chapter: -1},
		{TaleID: uuid.New(), TaleVersionID: uuid.New(), Page: -2},
	}
	for i, ref := range bad {
		err := ref.Validate()
		if err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
		if ErrorCode(err) != ErrCodeInvalidIdentity {
			t.Fatalf("case %d: expected identity code, got %q", i, ErrorCode(err))
		}
	}
}

func TestChapterPageBefore(t *testing.T) {
	if !(ChapterPage{Chapter: 0, Page: 5}).Before(ChapterPage{Chapter: 1, Page: 0}) {
		t.Fatal("chapter order should win")
	}
	if !(ChapterPage{Chapter: 1, Page: 0}).Before(ChapterPage{Chapter: 1, Page: 1}) {
		t.Fatal("page order inside a chapter")
	}
	if (ChapterPage{Chapter: 1, Page: 1}).Before(ChapterPage{Chapter: 1, Page: 1}) {
		t.Fatal("equal pages are not before each other")
	}
}
