package models

import "testing"

func TestParseInstanceName(t *testing.T) {
	tests := []struct {
		name       string
		wantBase   string
		wantNumber int
	}{
		{"best-app_1", "best-app", 1},
		{"new-app_2", "new-app", 2},
		{"jurws_12", "jurws", 12},
		{"standalone-app", "standalone-app", 0},
		{"app_with_underscores_3", "app_with_underscores", 3},
		{"trailing_", "trailing_", 0},
		{"", "", 0},
	}

	for _, tt := range tests {
		base, number := ParseInstanceName(tt.name)
		if base != tt.wantBase || number != tt.wantNumber {
			t.Errorf("ParseInstanceName(%q) = (%q, %d), want (%q, %d)",
				tt.name, base, number, tt.wantBase, tt.wantNumber)
		}
	}
}

func TestInstanceBaseName(t *testing.T) {
	inst := &Instance{InstanceName: "jurws_1"}
	if got := inst.BaseName(); got != "jurws" {
		t.Errorf("BaseName() = %q, want jurws", got)
	}
}

func TestGroupStrategyDefault(t *testing.T) {
	g := &Group{}
	if got := g.Strategy(); got != GroupByGroup {
		t.Errorf("empty strategy resolved to %q, want by_group", got)
	}

	g.BatchGroupingStrategy = "bogus"
	if got := g.Strategy(); got != GroupByGroup {
		t.Errorf("unknown strategy resolved to %q, want by_group", got)
	}

	g.BatchGroupingStrategy = GroupByServer
	if got := g.Strategy(); got != GroupByServer {
		t.Errorf("strategy = %q, want by_server", got)
	}
}

func TestVersionHistoryChanged(t *testing.T) {
	h := &VersionHistory{OldVersion: "1.0.0", NewVersion: "1.0.0"}
	if h.Changed() {
		t.Error("identical versions must not count as changed")
	}

	h.NewVersion = "1.1.0"
	if !h.Changed() {
		t.Error("version transition must count as changed")
	}

	h = &VersionHistory{OldVersion: "1.0.0", NewVersion: "1.0.0", OldTag: "a", NewTag: "b"}
	if !h.Changed() {
		t.Error("tag transition must count as changed")
	}
}
