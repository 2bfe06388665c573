package artifact

import "testing"

func TestComputeIDDeterministic(t *testing.T) {
	a := ComputeID("org.acme:lib:jar:1.0", "sha256:abc")
	if a != ComputeID("org.acme:lib:jar:1.0", "sha256:abc") {
		t.Fatalf("artifact id not deterministic")
	}
}

func TestComputeIDChangesWithDigest(t *testing.T) {
	a := ComputeID("org.acme:lib:jar:1.0", "sha256:abc")
	b := ComputeID("org.acme:lib:jar:1.0", "sha256:def")
	if a == b {
		t.Fatalf("artifact id should differ when content changes")
	}
}

func TestConsistentQuality(t *testing.T) {
	tests := []struct {
		q         Quality
		temporary bool
		want      bool
	}{
		{QualityTemporary, true, true},
		{QualityNew, true, false},
		{QualityVerified, true, false},
		{QualityNew, false, true},
		{QualityTemporary, false, false},
	}
	for _, tt := range tests {
		if got := Consistent(tt.q, tt.temporary); got != tt.want {
			t.Fatalf("Consistent(%s,%v)=%v want %v", tt.q, tt.temporary, got, tt.want)
		}
	}
}

func TestDedupKeepsFirstAndSorts(t *testing.T) {
	in := []Artifact{{ID: "b", Name: "first"}, {ID: "a"}, {ID: "b", Name: "second"}}
	out := Dedup(in)
	if len(out) != 2 || out[0].ID != "a" || out[1].ID != "b" {
		t.Fatalf("unexpected dedup result: %+v", out)
	}
	if out[1].Name != "first" {
		t.Fatalf("dedup should keep first occurrence, got %q", out[1].Name)
	}
}

func TestKeyPrefersName(t *testing.T) {
	if k := (Artifact{Name: "org.acme:lib", Identifier: "org.acme:lib:jar:1.0"}).Key(); k != "org.acme:lib" {
		t.Fatalf("unexpected key %q", k)
	}
	if k := (Artifact{Identifier: "x"}).Key(); k != "x" {
		t.Fatalf("unexpected fallback key %q", k)
	}
}
