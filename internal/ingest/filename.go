package ingest

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// maxFilenameLen bounds generated filenames; longer names are truncated
// ahead of the extension.
const maxFilenameLen = 120

var (
	unsafeChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	nonASCII    = regexp.MustCompile(`[^\x20-\x7E]+`)
	repeats     = regexp.MustCompile(`_+`)
)

// SanitizeFilename strips path separators, control and non-ASCII characters
// from a source-supplied filename, collapses the replacements, and truncates
// the result to a safe length. An empty result becomes "unnamed_file".
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = nonASCII.ReplaceAllString(name, "_")
	name = repeats.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_ ")
	if name == "" {
		return "unnamed_file"
	}
	if strings.TrimSuffix(name, filepath.Ext(name)) == "" {
		// Nothing left but an extension.
		name = "unnamed_file" + filepath.Ext(name)
	}
	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 10 {
			ext = ""
		}
		name = name[:maxFilenameLen-len(ext)] + ext
	}
	return name
}

// SuffixFilename appends a numeric suffix ahead of the extension, used to
// de-duplicate name collisions: "list.txt" -> "list_2.txt".
func SuffixFilename(name string, n int) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%d%s", base, n, ext)
}

// FallbackFilename builds a deterministic name for candidates whose source
// filename is missing or unusable.
func FallbackFilename(file RemoteFile) string {
	return fmt.Sprintf("file_%s_%s.txt", FileStamp(file.SentAt), file.ID)
}
