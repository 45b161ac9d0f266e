// SPDX-License-Identifier: MIT

// Package renamer builds library filenames and relocates media files into
// actress-keyed folders.
package renamer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/embyq/embyq/internal/log"
)

// maxFilenameLen is a conservative basename limit for common filesystems.
const maxFilenameLen = 200

var (
	invalidChars = regexp.MustCompile(`[<>:"/\\|?*` + "\x00-\x1f" + `]`)
	multiSpace   = regexp.MustCompile(`\s+`)
	multiDot     = regexp.MustCompile(`\.{2,}`)

	titleCaser = cases.Title(language.English)
)

// MoveError reports a failed relocation. Source is the path the file still
// lives at, so a retry can pick it up in place.
type MoveError struct {
	Source string
	Err    error
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("move %s: %v", e.Source, e.Err)
}

func (e *MoveError) Unwrap() error { return e.Err }

// Sanitize replaces characters reserved on common filesystems with a space
// and collapses whitespace and dot runs.
func Sanitize(name string) string {
	s := invalidChars.ReplaceAllString(name, " ")
	s = multiSpace.ReplaceAllString(s, " ")
	s = multiDot.ReplaceAllString(s, ".")
	return strings.TrimSpace(s)
}

// BuildFilename assembles "{Actress} - [{Subtitle}] {CODE} {Title}{ext}".
// Every occurrence of the code is stripped from the title first, the title
// is title-cased, and only the title portion is truncated when the basename
// would exceed the filesystem limit.
func BuildFilename(actress, subtitle, movieCode, title, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	title = stripCode(title, movieCode)
	title = titleCaser.String(title)

	prefix := fmt.Sprintf("%s - [%s] %s ", actress, subtitle, movieCode)
	maxTitle := maxFilenameLen - len(prefix) - len(ext)
	switch {
	case maxTitle < 10:
		title = ""
	case len(title) > maxTitle:
		title = strings.TrimRight(title[:maxTitle], " ")
	}

	name := Sanitize(prefix+title) + ext
	// An oversized prefix alone can bust the limit; clamp the stem so the
	// basename never exceeds it.
	if len(name) > maxFilenameLen && len(ext) < maxFilenameLen {
		stem := name[:maxFilenameLen-len(ext)]
		name = strings.TrimRight(stem, " ") + ext
	}
	return name
}

// stripCode removes every occurrence of the movie code from the title,
// case-insensitive, including a leading separator left behind.
func stripCode(title, code string) string {
	if code == "" {
		return strings.TrimSpace(title)
	}
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(code))
	title = re.ReplaceAllString(title, " ")
	title = strings.TrimSpace(multiSpace.ReplaceAllString(title, " "))
	title = strings.TrimSpace(strings.TrimLeft(title, "- "))
	return title
}

// ActressDir resolves the destination folder for an actress under root.
// A single enumeration finds an existing folder by case-insensitive match;
// otherwise the given spelling names a new folder.
func ActressDir(root, actress string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return filepath.Join(root, actress), nil
		}
		return "", err
	}
	want := normalizeName(actress)
	for _, e := range entries {
		if e.IsDir() && normalizeName(e.Name()) == want {
			return filepath.Join(root, e.Name()), nil
		}
	}
	return filepath.Join(root, actress), nil
}

func normalizeName(name string) string {
	return multiSpace.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), " ")
}

// Move relocates source into the actress folder under destRoot as filename,
// creating the folder as needed and suffixing " (1)", " (2)"… on collision.
// Failures return a *MoveError carrying the intact source path.
func Move(source, destRoot, actress, filename string) (string, error) {
	dir, err := ActressDir(destRoot, actress)
	if err != nil {
		return "", &MoveError{Source: source, Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &MoveError{Source: source, Err: err}
	}

	target := nextFreePath(dir, filename)
	logger := log.WithComponent("renamer")
	logger.Info().Str("event", "renamer.move").Str("from", source).Str("to", target).Msg("moving file")

	if err := os.Rename(source, target); err != nil {
		if !isCrossDevice(err) {
			return "", &MoveError{Source: source, Err: err}
		}
		// Destination is on another filesystem; copy, then unlink.
		target = nextFreePath(dir, filename)
		if err := copyFile(source, target); err != nil {
			return "", &MoveError{Source: source, Err: err}
		}
		if err := os.Remove(source); err != nil {
			logger.Warn().Err(err).Str("file", source).Msg("copied but could not remove source")
		}
	}
	return target, nil
}

// Quarantine moves a permanently unprocessable file into errorDir, keeping
// its basename.
func Quarantine(source, errorDir string) error {
	if err := os.MkdirAll(errorDir, 0o755); err != nil {
		return err
	}
	target := nextFreePath(errorDir, filepath.Base(source))
	if err := os.Rename(source, target); err != nil {
		if !isCrossDevice(err) {
			return err
		}
		if err := copyFile(source, target); err != nil {
			return err
		}
		return os.Remove(source)
	}
	logger := log.WithComponent("renamer")
	logger.Info().
		Str("event", "renamer.quarantine").Str("from", source).Str("to", target).
		Msg("file quarantined")
	return nil
}

func nextFreePath(dir, filename string) string {
	target := filepath.Join(dir, filename)
	if _, err := os.Lstat(target); os.IsNotExist(err) {
		return target
	}
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	return errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV)
}

// copyFile copies source to target and fsyncs both the file and its parent
// directory so a crash cannot leave a torn destination.
func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(target)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(target)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(target)
		return err
	}

	if d, err := os.Open(filepath.Dir(target)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
