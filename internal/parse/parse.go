// SPDX-License-Identifier: MIT

// Package parse extracts the movie code and subtitle tag from a video filename.
package parse

import (
	"path/filepath"
	"regexp"
	"strings"
)

// codeRE matches a movie code: 2-6 letters, a dash, 1-5 digits.
var codeRE = regexp.MustCompile(`([A-Za-z]{2,6})-(\d{1,5})`)

// subtitleKeywords maps filename keywords to subtitle tags, first match wins.
var subtitleKeywords = []struct {
	keyword string
	tag     string
}{
	{"english", "English Sub"},
	{"chinese", "Chinese Sub"},
	{"korean", "Korean Sub"},
	{"japanese", "Japanese Sub"},
}

// Code extracts the first movie code from the basename of name, normalized to
// upper case. The second return is false when no code is present.
func Code(name string) (string, bool) {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	m := codeRE.FindStringSubmatch(stem)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]) + "-" + m[2], true
}

// Subtitle detects the subtitle tag from filename keywords. Keywords are
// checked in priority order; "No Sub" is returned when none matches.
func Subtitle(name string) string {
	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	for _, k := range subtitleKeywords {
		if strings.Contains(stem, k.keyword) {
			return k.tag
		}
	}
	return "No Sub"
}
