package settings

import (
	"path/filepath"
	"testing"
)

func TestApplyDefaultsBoolsRespectFalse(t *testing.T) {
	// explicit false should remain false
	autoBuild := false
	s := Settings{
		MaxConcurrent:   2,
		RebuildPolicy:   "force",
		PollIntervalSec: 5,
		BatchSize:       1,
		AutoBuild:       &autoBuild,
	}
	out := ApplyDefaults(s)
	if out.MaxConcurrent != 2 || out.RebuildPolicy != "force" || out.PollIntervalSec != 5 || out.BatchSize != 1 {
		t.Fatalf("unexpected defaults override on provided fields: %+v", out)
	}
	if BoolValue(out.AutoBuild) {
		t.Fatalf("expected explicit false to persist: %+v", out)
	}
}

func TestApplyDefaultsSetsMissing(t *testing.T) {
	out := ApplyDefaults(Settings{})
	if out.MaxConcurrent != 4 || out.RebuildPolicy != "implicit" {
		t.Fatalf("expected defaults for concurrency and policy: %+v", out)
	}
	if !BoolValue(out.AutoBuild) {
		t.Fatalf("expected missing bools to default true: %+v", out)
	}
	if out.PollIntervalSec == 0 || out.BatchSize == 0 {
		t.Fatalf("expected numeric defaults to be set: %+v", out)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "settings.json")
	if err := Save(path, Settings{MaxConcurrent: 8, RebuildPolicy: "explicit"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	out := Load(path)
	if out.MaxConcurrent != 8 || out.RebuildPolicy != "explicit" {
		t.Fatalf("unexpected settings %+v", out)
	}
	if Load(filepath.Join(t.TempDir(), "missing.json")).MaxConcurrent != 4 {
		t.Fatalf("expected defaults for missing file")
	}
}
