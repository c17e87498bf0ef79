package download

import "testing"

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusDownloading, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusDownloading, StatusCompleted, true},
		{StatusDownloading, StatusFailed, true},
		{StatusDownloading, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusDownloading, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusPending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJob_IsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusDownloading, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}

	for _, tt := range tests {
		job := &Job{Status: tt.status}
		if got := job.IsTerminal(); got != tt.terminal {
			t.Errorf("IsTerminal() for status %s = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestRequester_CanAccess(t *testing.T) {
	job := &Job{UserID: "owner"}

	if !(Requester{UserID: "owner"}).CanAccess(job) {
		t.Error("owner should access own job")
	}
	if (Requester{UserID: "other"}).CanAccess(job) {
		t.Error("other user should not access job")
	}
	if !(Requester{UserID: "other", IsAdmin: true}).CanAccess(job) {
		t.Error("admin should access any job")
	}
}
