package sandbox

import (
	"strings"
	"testing"
)

func TestCommitMessage(t *testing.T) {
	msg := CommitMessage(CommitMeta{
		SubmissionID: 4321,
		Name:         "Speed up partition pruning",
		CommitfestID: 47,
		MessageID:    "abc123@example.com",
		Authors:      []string{"Alice Author", "Bob Builder"},
	})

	want := "Speed up partition pruning\n\n" +
		"This commit merges the patch set for Commitfest submission 4321\n" +
		"(commitfest 47) as of mail message abc123@example.com,\n" +
		"applied by cfbot for continuous integration testing.\n\n" +
		"Authors: Alice Author, Bob Builder\n"
	if msg != want {
		t.Fatalf("CommitMessage mismatch:\ngot:  %q\nwant: %q", msg, want)
	}
}

func TestCommitMessageNoAuthors(t *testing.T) {
	msg := CommitMessage(CommitMeta{SubmissionID: 1, Name: "X", CommitfestID: 1, MessageID: "m@x"})
	if strings.Contains(msg, "Authors:") {
		t.Fatalf("expected no Authors line, got %q", msg)
	}
}
