package commitfest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/macdice/cfbot/internal/cierr"
	"github.com/macdice/cfbot/internal/patchset"
)

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

// messageBlockPattern matches the header of each message in a mail archive
// "flat thread" HTML page. Each message in the archive's flat view is
// anchored by a <div class="message" id="...">, and parseFlatThread takes
// the text from one header to the next as that message's chunk. Real markup
// carries far more structure, but the core only needs the message id and
// the href list that follows it, so a pair of narrow regular expressions
// stands in for a full HTML parse.
var messageBlockPattern = regexp.MustCompile(`(?s)<div[^>]+class="message"[^>]+id="([^"]+)"[^>]*>`)
var hrefPattern = regexp.MustCompile(`href="([^"]+)"`)

// parseFlatThread extracts the ordered list of messages (id + attachment
// URLs) from a mail archive flat-thread HTML page, per spec section 4.3.
func parseFlatThread(html, baseURL string) []patchset.Message {
	var messages []patchset.Message
	headers := messageBlockPattern.FindAllStringSubmatchIndex(html, -1)
	for i, h := range headers {
		id := html[h[2]:h[3]]
		end := len(html)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		body := html[h[1]:end]
		msg := patchset.Message{ID: id, URL: baseURL + "#" + id}

		for _, h := range hrefPattern.FindAllStringSubmatch(body, -1) {
			url := h[1]
			if !strings.HasPrefix(url, "http") {
				url = baseURL + url
			}
			msg.Attachments = append(msg.Attachments, patchset.Attachment{URL: url})
		}
		messages = append(messages, msg)
	}
	return messages
}

// LatestPatchMessage implements latest_patch_message(submission_id) of spec
// section 4.3: resolve the submission's thread URLs, scrape each thread's
// flat view, and apply patchset.Select's attachment/tarball disambiguation
// rules. The first thread yielding a selected message wins.
func (c *Client) LatestPatchMessage(ctx context.Context, submissionID int) (messageID string, attachmentURLs []string, err error) {
	threads, err := c.ThreadURLs(ctx, submissionID)
	if err != nil {
		return "", nil, err
	}

	for _, threadURL := range threads {
		if strings.Contains(threadURL, "/nocfbot") {
			continue
		}

		body, err := c.getHTML(ctx, threadURL)
		if err != nil {
			if err == cierr.ErrNotFound {
				continue
			}
			return "", nil, err
		}

		messages := parseFlatThread(string(body), threadURL)
		if id, urls := patchset.Select(messages); id != "" {
			return id, urls, nil
		}
	}

	return "", nil, nil
}

// getHTML fetches url through the same rate limiter and circuit breaker as
// getJSON, for the archive's HTML thread pages.
func (c *Client) getHTML(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx, "archive"); err != nil {
		return nil, cierr.Transient(err)
	}

	result, err := c.breakers.Do(ctx, archiveHost(url), func(ctx context.Context) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, cierr.Transient(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, cierr.ErrNotFound
		}
		if resp.StatusCode >= 500 {
			return nil, cierr.Transient(fmt.Errorf("archive: %s returned %d", url, resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return nil, cierr.DataViolation(fmt.Errorf("archive: %s returned %d", url, resp.StatusCode))
		}

		return readAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func archiveHost(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		rest := rawURL[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return rawURL
}
