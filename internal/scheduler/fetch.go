package scheduler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/macdice/cfbot/internal/cierr"
	"github.com/macdice/cfbot/internal/config"
)

// fetchAttachments downloads every attachment URL into destDir, honouring
// config's SLOW_FETCH_SLEEP throttle between requests and TIMEOUT per
// request (spec 4.1 step 2, "fetch the thread URL and the latest
// patch-bearing message's attachments into the sandbox").
func fetchAttachments(ctx context.Context, cfg config.Config, urls []string, destDir string) error {
	client := &http.Client{Timeout: cfg.Timeout}

	for i, u := range urls {
		if i > 0 && cfg.SlowFetchSleep > 0 {
			time.Sleep(cfg.SlowFetchSleep)
		}
		if err := fetchOne(ctx, client, cfg.UserAgent, u, destDir); err != nil {
			return err
		}
	}
	return nil
}

func fetchOne(ctx context.Context, client *http.Client, userAgent, rawURL, destDir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return cierr.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return cierr.ErrNotFound
	}
	if resp.StatusCode >= 500 {
		return cierr.Transient(fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return cierr.DataViolation(fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode))
	}

	name := attachmentFilename(rawURL)
	f, err := os.Create(filepath.Join(destDir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, resp.Body)
	return err
}

func attachmentFilename(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return filepath.Base(rawURL)
	}
	base := filepath.Base(parsed.Path)
	if base == "" || base == "." || base == "/" {
		return "attachment"
	}
	return base
}
