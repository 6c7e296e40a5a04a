package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/macdice/cfbot/internal/config"
	"github.com/macdice/cfbot/internal/model"
)

func writeIgnoreFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ignore")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFirstNotIgnoredSkipsIgnoredSubmissions(t *testing.T) {
	ignore, err := config.NewIgnoreList(writeIgnoreFile(t, "1/10\n"))
	if err != nil {
		t.Fatal(err)
	}

	subs := []model.Submission{
		{CommitfestID: 1, SubmissionID: 10},
		{CommitfestID: 1, SubmissionID: 20},
	}
	if got := firstNotIgnored(subs, ignore); got == nil || got.SubmissionID != 20 {
		t.Fatalf("expected ignored submission 10 skipped and 20 returned, got %+v", got)
	}
}

func TestFirstNotIgnoredReturnsNilWhenAllIgnored(t *testing.T) {
	ignore, err := config.NewIgnoreList(writeIgnoreFile(t, "1/10\n1/20\n"))
	if err != nil {
		t.Fatal(err)
	}
	subs := []model.Submission{
		{CommitfestID: 1, SubmissionID: 10},
		{CommitfestID: 1, SubmissionID: 20},
	}
	if got := firstNotIgnored(subs, ignore); got != nil {
		t.Fatalf("expected nil when every candidate is ignored, got %+v", got)
	}
}

func TestAttachmentFilename(t *testing.T) {
	cases := map[string]string{
		"https://example.com/path/to/v3-0001-foo.patch": "v3-0001-foo.patch",
		"https://example.com/":                           "attachment",
		"not a url at all %zz":                           "not a url at all %zz",
	}
	for in, want := range cases {
		if got := attachmentFilename(in); got != want {
			t.Errorf("attachmentFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
