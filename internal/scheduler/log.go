package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// writeApplyLog persists a patch-apply log under WEB_ROOT's
// patches/<commitfest_id>/<submission_id>/ tree (spec section 6's
// filesystem layout) and returns the public URL path the branch row's
// url column should record.
func writeApplyLog(webRoot string, commitfestID, submissionID int, log string) (string, error) {
	dir := filepath.Join(webRoot, "patches", fmt.Sprint(commitfestID), fmt.Sprint(submissionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("apply-%d.log", time.Now().UnixNano())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(log), 0o644); err != nil {
		return "", err
	}

	return fmt.Sprintf("/patches/%d/%d/%s", commitfestID, submissionID, name), nil
}
