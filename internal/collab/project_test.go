package collab

import "testing"

func TestProject_ListingDescription(t *testing.T) {
	tests := []struct {
		name      string
		project   Project
		connected int
		want      string
	}{
		{
			name:      "plain",
			project:   Project{Description: "malware triage"},
			connected: 2,
			want:      "[2] malware triage",
		},
		{
			name:      "fork",
			project:   Project{Description: "branch", ParentID: 4, ParentDescription: "trunk"},
			connected: 0,
			want:      "[0] branch (FORK of 'trunk')",
		},
		{
			name:      "snapshot",
			project:   Project{Description: "v1", ParentID: 4, ParentDescription: "trunk", SnapshotUpdateID: 17},
			connected: 3,
			want:      "[-] v1 (SNAP of 'trunk'@17 updates])",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.project.ListingDescription(tt.connected); got != tt.want {
				t.Errorf("ListingDescription() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProject_Kinds(t *testing.T) {
	snap := &Project{ParentID: 1, SnapshotUpdateID: 5}
	fork := &Project{ParentID: 1}
	root := &Project{}

	if !snap.IsSnapshot() || snap.IsFork() {
		t.Error("snapshot misclassified")
	}
	if fork.IsSnapshot() || !fork.IsFork() {
		t.Error("fork misclassified")
	}
	if root.IsSnapshot() || root.IsFork() {
		t.Error("root project misclassified")
	}
}
