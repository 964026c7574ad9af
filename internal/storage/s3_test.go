package storage

import (
	"testing"
	"time"
)

func TestSupported(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"image/jpeg", true},
		{"IMAGE/PNG", true},
		{"application/pdf", true},
		{"audio/ogg; codecs=opus", true},
		{"application/x-msdownload", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := Supported(tt.contentType); got != tt.want {
			t.Errorf("Supported(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

func TestAttachmentKey(t *testing.T) {
	at := time.Date(2026, 2, 3, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))

	got := AttachmentKey(at, "abc", ".jpg")
	if got != "attachments/2026/02/04/abc.jpg" {
		t.Errorf("AttachmentKey = %q", got)
	}
}
