package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"codeheal/types"
)

// Finding is one defect reported by a detector
type Finding struct {
	Line     int
	EndLine  int
	Column   int
	Type     string
	Severity types.Severity
	Message  string
	Tags     []string
}

// Detector inspects one file. Detectors must be safe for concurrent use;
// a returned error or panic is counted against that file only.
type Detector interface {
	Name() string
	Detect(path string, content []byte) ([]Finding, error)
}

// DefaultDetectors returns the built-in detector set
func DefaultDetectors() []Detector {
	return []Detector{
		NewSmellDetector(),
		GoDetector{},
		HTMLDetector{},
	}
}

// DefaultExtensions lists the file types crawled when none are given
var DefaultExtensions = []string{
	".go", ".py", ".js", ".ts", ".java", ".cpp", ".c", ".rs", ".rb",
	".php", ".cs", ".swift", ".kt", ".scala", ".sql", ".html", ".htm",
}

// skipDirs are never descended into
var skipDirs = map[string]bool{
	"vendor":       true,
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
}

// Fingerprint identifies a finding across crawls of the same tree.
func Fingerprint(relPath string, f Finding) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", filepath.ToSlash(relPath), f.Type, f.Line, f.Message)))
	return hex.EncodeToString(sum[:8])
}

func hasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
