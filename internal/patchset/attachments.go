// Package patchset implements the pure attachment-selection rules of spec
// section 4.3, factored out of internal/commitfest so the tarball
// disambiguation logic is unit-testable without any network interface.
package patchset

import (
	"strings"
)

// Attachment is one file attached to a thread message.
type Attachment struct {
	URL string
}

// Message is one message in a thread's flat view, in arrival order.
type Message struct {
	ID          string
	URL         string
	Attachments []Attachment
}

var plainPatchSuffixes = []string{".patch", ".diff", ".patch.gz", ".diff.gz", ".patch.bz2", ".diff.bz2"}
var tarballSuffixes = []string{".tar", ".tgz", ".tar.gz", ".tar.bz2", ".zip"}

func isPlainPatch(url string) bool {
	lower := strings.ToLower(url)
	for _, suffix := range plainPatchSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func isTarball(url string) bool {
	lower := strings.ToLower(url)
	for _, suffix := range tarballSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// isAcceptable reports whether an attachment matches one of the patterns
// spec 4.3 recognises at all (plain patch or tarball).
func isAcceptable(url string) bool {
	return isPlainPatch(url) || isTarball(url)
}

// Select implements spec 4.3's selected-message and tarball-disambiguation
// rules over a thread's messages in arrival order. It returns the message
// id and the list of attachment URLs to fetch, or ("", nil) if no message
// qualifies.
//
// Rules:
//   - messages whose URL contains "/nocfbot" are ignored entirely.
//   - the selected message is the LAST message with at least one
//     acceptable attachment.
//   - if the selected message mixes plain patches and tarballs, only the
//     plain patches are kept.
//   - if it contains multiple tarballs (and no plain patches), the message
//     is rejected outright — selected becomes none.
//   - a single tarball alone is accepted.
func Select(messages []Message) (messageID string, urls []string) {
	var selected *Message
	for i := range messages {
		m := &messages[i]
		if strings.Contains(m.URL, "/nocfbot") {
			continue
		}

		var hasAcceptable bool
		for _, a := range m.Attachments {
			if isAcceptable(a.URL) {
				hasAcceptable = true
				break
			}
		}
		if hasAcceptable {
			selected = m
		}
	}

	if selected == nil {
		return "", nil
	}

	var plain, tarballs []string
	for _, a := range selected.Attachments {
		switch {
		case isPlainPatch(a.URL):
			plain = append(plain, a.URL)
		case isTarball(a.URL):
			tarballs = append(tarballs, a.URL)
		}
	}

	switch {
	case len(plain) > 0:
		return selected.ID, plain
	case len(tarballs) == 1:
		return selected.ID, tarballs
	default:
		// Either zero or multiple tarballs with no plain patches: reject.
		return "", nil
	}
}
