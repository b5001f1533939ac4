package domain

import "testing"

func TestBuildStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from BuildStatus
		to   BuildStatus
		want bool
	}{
		{BuildPending, BuildGenerating, true},
		{BuildPending, BuildFailed, true},
		{BuildPending, BuildReady, false},
		{BuildGenerating, BuildReady, true},
		{BuildGenerating, BuildFailed, true},
		{BuildGenerating, BuildPending, false},
		{BuildReady, BuildGenerating, false},
		{BuildFailed, BuildReady, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseColumn(t *testing.T) {
	if c, ok := ParseColumn("building"); !ok || c != ColumnBuilding {
		t.Errorf("ParseColumn(building) = %q, %v", c, ok)
	}
	if _, ok := ParseColumn("backlog"); ok {
		t.Error("ParseColumn(backlog) should fail")
	}
}
