package models

import "testing"

func TestThreadStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status ThreadStatus
		want   bool
	}{
		{"active is valid", ThreadStatusActive, true},
		{"awaiting_approval is valid", ThreadStatusAwaitingApproval, true},
		{"completed is valid", ThreadStatusCompleted, true},
		{"failed is valid", ThreadStatusFailed, true},
		{"rejected is valid", ThreadStatusRejected, true},
		{"empty string is invalid", ThreadStatus(""), false},
		{"unknown status is invalid", ThreadStatus("paused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("ThreadStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestThreadStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to ThreadStatus
		want     bool
	}{
		{ThreadStatusActive, ThreadStatusAwaitingApproval, true},
		{ThreadStatusActive, ThreadStatusCompleted, true},
		{ThreadStatusActive, ThreadStatusFailed, true},
		{ThreadStatusActive, ThreadStatusRejected, true},
		{ThreadStatusActive, ThreadStatusActive, false},
		{ThreadStatusAwaitingApproval, ThreadStatusCompleted, true},
		{ThreadStatusAwaitingApproval, ThreadStatusRejected, true},
		{ThreadStatusAwaitingApproval, ThreadStatusFailed, true},
		{ThreadStatusAwaitingApproval, ThreadStatusActive, false},
		{ThreadStatusCompleted, ThreadStatusActive, false},
		{ThreadStatusCompleted, ThreadStatusFailed, false},
		{ThreadStatusFailed, ThreadStatusCompleted, false},
		{ThreadStatusRejected, ThreadStatusCompleted, false},
		{ThreadStatusActive, ThreadStatus("bogus"), false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestThreadStatus_Terminal(t *testing.T) {
	for _, s := range AllThreadStatuses {
		want := s == ThreadStatusCompleted || s == ThreadStatusFailed || s == ThreadStatusRejected
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}
