// SPDX-License-Identifier: MIT

package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", "SONE-760.mp4", "SONE-760", true},
		{"lowercase normalized", "sone-760 english subbed.mp4", "SONE-760", true},
		{"embedded in title", "SONE-760 The same commute train as always.mp4", "SONE-760", true},
		{"brackets around code", "[SONE-760] sample.mkv", "SONE-760", true},
		{"first of two codes wins", "ABC-123 DEF-456.mp4", "ABC-123", true},
		{"two letter prefix", "MD-1.avi", "MD-1", true},
		{"six letter prefix", "ABCDEF-12345.wmv", "ABCDEF-12345", true},
		{"seven letters trims to six", "ABCDEFG-123.mp4", "BCDEFG-123", true},
		{"no code", "random clip.mp4", "", false},
		{"digits only", "12345.mp4", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Code(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubtitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SONE-760 English subbed.mp4", "English Sub"},
		{"SONE-760 ENGLISH SUB.mp4", "English Sub"},
		{"ABC-123 chinese subtitles.mkv", "Chinese Sub"},
		{"ABC-123 korean.mp4", "Korean Sub"},
		{"ABC-123 japanese audio.mp4", "Japanese Sub"},
		{"ABC-123 plain.mp4", "No Sub"},
		// Priority is list order: english beats chinese even if chinese comes first in the name.
		{"chinese and english subs ABC-123.mp4", "English Sub"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Subtitle(tt.in))
		})
	}
}
