package patchset

import (
	"reflect"
	"testing"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name        string
		messages    []Message
		wantID      string
		wantURLs    []string
	}{
		{
			name: "last message with a plain patch wins",
			messages: []Message{
				{ID: "m1", Attachments: []Attachment{{URL: "v1.patch"}}},
				{ID: "m2", Attachments: nil},
				{ID: "m3", Attachments: []Attachment{{URL: "v2-0001.patch"}, {URL: "v2-0002.patch"}}},
			},
			wantID:   "m3",
			wantURLs: []string{"v2-0001.patch", "v2-0002.patch"},
		},
		{
			name: "mixed patch and tarball keeps only the patch",
			messages: []Message{
				{ID: "m1", Attachments: []Attachment{{URL: "v1.patch"}, {URL: "extra.tar.gz"}}},
			},
			wantID:   "m1",
			wantURLs: []string{"v1.patch"},
		},
		{
			name: "single tarball alone is accepted",
			messages: []Message{
				{ID: "m1", Attachments: []Attachment{{URL: "bundle.tgz"}}},
			},
			wantID:   "m1",
			wantURLs: []string{"bundle.tgz"},
		},
		{
			name: "multiple tarballs with no patch rejects the message",
			messages: []Message{
				{ID: "m1", Attachments: []Attachment{{URL: "a.tar"}, {URL: "b.zip"}}},
			},
			wantID:   "",
			wantURLs: nil,
		},
		{
			name: "message with no acceptable attachment is skipped",
			messages: []Message{
				{ID: "m1", Attachments: []Attachment{{URL: "v1.patch"}}},
				{ID: "m2", Attachments: []Attachment{{URL: "notes.txt"}}},
			},
			wantID:   "m1",
			wantURLs: []string{"v1.patch"},
		},
		{
			name: "nocfbot messages are ignored even with acceptable attachments",
			messages: []Message{
				{ID: "m1", Attachments: []Attachment{{URL: "v1.patch"}}},
				{ID: "m2", URL: "https://example.com/nocfbot/m2", Attachments: []Attachment{{URL: "v2.patch"}}},
			},
			wantID:   "m1",
			wantURLs: []string{"v1.patch"},
		},
		{
			name:     "no messages at all",
			messages: nil,
			wantID:   "",
			wantURLs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, gotURLs := Select(tt.messages)
			if gotID != tt.wantID {
				t.Errorf("message id = %q, want %q", gotID, tt.wantID)
			}
			if !reflect.DeepEqual(gotURLs, tt.wantURLs) {
				t.Errorf("urls = %v, want %v", gotURLs, tt.wantURLs)
			}
		})
	}
}
