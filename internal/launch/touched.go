package launch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// pathBearingKeys are the structured-output keys whose string values are
// treated as touched paths. Claude tool_use inputs and codex file_change
// items both land here.
var pathBearingKeys = map[string]bool{
	"file_path":     true,
	"path":          true,
	"notebook_path": true,
	"target_file":   true,
}

// excludedGlobs drop dependency directories and VCS internals from the
// manifest.
var excludedGlobs = []string{
	"**/node_modules/**",
	"**/vendor/**",
	"**/.git/**",
	"**/__pycache__/**",
	"**/.venv/**",
	"**/dist/**",
	"**/target/debug/**",
	"**/target/release/**",
}

// excludedRoots drop absolute system paths.
var excludedRoots = []string{
	"/usr/", "/bin/", "/sbin/", "/lib/", "/lib64/", "/etc/", "/opt/",
	"/proc/", "/sys/", "/dev/", "/var/", "/tmp/",
}

// textPathRe is the fallback extractor for plain-text lines: tokens that look
// like relative file paths with an extension.
var textPathRe = regexp.MustCompile(`(?:^|[\s"'` + "`" + `(])((?:[A-Za-z0-9_.-]+/)*[A-Za-z0-9_.-]+\.[A-Za-z0-9]{1,8})(?:[\s"'` + "`" + `),:]|$)`)

// DeriveTouched extracts the touched-files manifest from a run's raw output
// stream. Structured-field extraction runs first; lines that do not parse as
// JSON fall through to pattern-based text extraction. Results are filtered,
// deduplicated, and sorted.
func DeriveTouched(outputPath string) ([]string, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	found := map[string]bool{}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var doc any
		if err := json.Unmarshal(line, &doc); err == nil {
			collectPathValues(doc, found)
			continue
		}
		for _, m := range textPathRe.FindAllStringSubmatch(string(line), -1) {
			found[m[1]] = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	var out []string
	for p := range found {
		if keepTouchedPath(p) {
			out = append(out, filepath.Clean(p))
		}
	}
	out = dedupeSorted(out)
	return out, nil
}

func collectPathValues(doc any, found map[string]bool) {
	switch v := doc.(type) {
	case map[string]any:
		for key, val := range v {
			if s, ok := val.(string); ok && pathBearingKeys[key] && s != "" {
				found[s] = true
				continue
			}
			collectPathValues(val, found)
		}
	case []any:
		for _, item := range v {
			collectPathValues(item, found)
		}
	}
}

func keepTouchedPath(p string) bool {
	p = strings.TrimSpace(p)
	if p == "" || strings.Contains(p, "://") {
		return false
	}
	for _, root := range excludedRoots {
		if strings.HasPrefix(p, root) {
			return false
		}
	}
	rel := strings.TrimPrefix(p, "/")
	for _, glob := range excludedGlobs {
		if ok, _ := doublestar.Match(glob, rel); ok {
			return false
		}
	}
	return true
}

func dedupeSorted(paths []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Manifest file names inside a run's artifact directory. The manifest is
// written in two encodings: NUL-delimited for machine consumption and
// newline-delimited for humans.
const (
	TouchedFileNul = "touched.nul"
	TouchedFileTxt = "touched.txt"
)

// WriteManifests writes both encodings of the touched-files manifest.
func WriteManifests(artifactDir string, paths []string) error {
	nul := strings.Join(paths, "\x00")
	if len(paths) > 0 {
		nul += "\x00"
	}
	if err := os.WriteFile(filepath.Join(artifactDir, TouchedFileNul), []byte(nul), 0o644); err != nil {
		return err
	}
	txt := strings.Join(paths, "\n")
	if len(paths) > 0 {
		txt += "\n"
	}
	return os.WriteFile(filepath.Join(artifactDir, TouchedFileTxt), []byte(txt), 0o644)
}

// ReadManifest reads the newline-delimited manifest back.
func ReadManifest(artifactDir string) ([]string, error) {
	b, err := os.ReadFile(filepath.Join(artifactDir, TouchedFileTxt))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, nil
}
