package model

import "testing"

func TestParseSubmissionID(t *testing.T) {
	cases := []struct {
		branch string
		want   int
		ok     bool
	}{
		{"cf/4000", 4000, true},
		{"cf/0", 0, true},
		{"master", 0, false},
		{"cf/not-a-number", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseSubmissionID(c.branch)
		if got != c.want || ok != c.ok {
			t.Errorf("ParseSubmissionID(%q) = (%d, %v), want (%d, %v)", c.branch, got, ok, c.want, c.ok)
		}
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName(4000); got != "cf/4000" {
		t.Errorf("BranchName(4000) = %q, want cf/4000", got)
	}
}

func TestIsFinal(t *testing.T) {
	nonFinal := []CIStatus{StatusCreated, StatusTriggered, StatusScheduled, StatusExecuting, StatusPaused}
	for _, s := range nonFinal {
		if IsFinal(s) {
			t.Errorf("IsFinal(%s) = true, want false", s)
		}
	}
	final := []CIStatus{StatusCompleted, StatusFailed, StatusAborted, StatusErrored, StatusDeleted}
	for _, s := range final {
		if !IsFinal(s) {
			t.Errorf("IsFinal(%s) = false, want true", s)
		}
	}
}

func TestRetryLimit(t *testing.T) {
	cases := map[JobType]int{
		JobFetchTaskCommands: 3,
		JobPollStaleBuild:    3,
		JobPostBranchStatus:  3,
		JobIngestTaskLogs:    0,
		JobRefreshHighlightPages: 0,
	}
	for jobType, want := range cases {
		if got := RetryLimit(jobType); got != want {
			t.Errorf("RetryLimit(%s) = %d, want %d", jobType, got, want)
		}
	}
}
