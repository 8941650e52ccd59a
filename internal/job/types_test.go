package job

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},

		// Backward moves are never allowed
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusPending, false},

		// Terminal states are frozen, including terminal-to-terminal
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},

		// Self transitions are not forward
		{StatusPending, StatusPending, false},
		{StatusRunning, StatusRunning, false},

		// Unknown statuses
		{Status("bogus"), StatusRunning, false},
		{StatusPending, Status("bogus"), false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	if StatusPending.Terminal() || StatusRunning.Terminal() {
		t.Error("pending/running must not be terminal")
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Error("completed/failed must be terminal")
	}
}

func TestJobMarshalMasksSecrets(t *testing.T) {
	t.Parallel()

	j := Job{
		ID:     "job-1",
		Title:  "Deploy",
		Status: StatusPending,
		Author: "alice",
		Secrets: map[string]string{
			"API_TOKEN": "super-secret-value",
		},
		Environment: map[string]string{
			"REGION": "us-east-1",
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	data, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	if strings.Contains(string(data), "super-secret-value") {
		t.Error("raw secret value leaked into JSON")
	}
	if !strings.Contains(string(data), "API_TOKEN") {
		t.Error("secret key should survive masking")
	}
	if !strings.Contains(string(data), MaskedSecretValue) {
		t.Error("masked placeholder missing from JSON")
	}
	if !strings.Contains(string(data), "us-east-1") {
		t.Error("plain environment values should not be masked")
	}

	// Marshalling must not mutate the in-memory job.
	if j.Secrets["API_TOKEN"] != "super-secret-value" {
		t.Error("Marshal mutated the job's secrets")
	}
}

func TestJobMarshalOmitsLogs(t *testing.T) {
	t.Parallel()

	j := Job{ID: "job-1", Title: "x", Status: StatusRunning, Logs: "building...\n"}

	data, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if strings.Contains(string(data), "building") {
		t.Error("logs must not appear in the job representation")
	}
}

func TestMaskedSecrets(t *testing.T) {
	t.Parallel()

	if MaskedSecrets(nil) != nil {
		t.Error("nil secrets should mask to nil")
	}
	if MaskedSecrets(map[string]string{}) != nil {
		t.Error("empty secrets should mask to nil")
	}

	masked := MaskedSecrets(map[string]string{"A": "1", "B": "2"})
	if len(masked) != 2 {
		t.Fatalf("masked length = %d, want 2", len(masked))
	}
	for k, v := range masked {
		if v != MaskedSecretValue {
			t.Errorf("masked[%q] = %q, want %q", k, v, MaskedSecretValue)
		}
	}
}

func TestJobClone(t *testing.T) {
	t.Parallel()

	original := &Job{
		ID:          "job-1",
		Repository:  &Repository{URL: "https://github.com/acme/repo"},
		Changes:     &Changes{Additions: 1},
		Environment: map[string]string{"K": "v"},
		Secrets:     map[string]string{"S": "raw"},
	}

	clone := original.Clone()
	clone.Repository.URL = "https://github.com/other/repo"
	clone.Changes.Additions = 99
	clone.Environment["K"] = "changed"
	clone.Secrets["S"] = "changed"

	if original.Repository.URL != "https://github.com/acme/repo" {
		t.Error("clone shares Repository with original")
	}
	if original.Changes.Additions != 1 {
		t.Error("clone shares Changes with original")
	}
	if original.Environment["K"] != "v" {
		t.Error("clone shares Environment with original")
	}
	if original.Secrets["S"] != "raw" {
		t.Error("clone shares Secrets with original")
	}

	var nilJob *Job
	if nilJob.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
