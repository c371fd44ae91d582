package backend

import (
	"regexp"
	"strings"
)

// Metadata holds attribution echoed as "key: value" lines by a nested
// backend.
type Metadata struct {
	Provider string
	Model    string
	Runtime  string
	Route    string
}

var metaLine = regexp.MustCompile(`(?i)^\s*(provider|model|runtime|backend|route)\s*:\s*(\S.*?)\s*$`)

// NormalizeOutput strips the leading and trailing blocks of metadata lines
// from raw output and returns the remaining body with the promoted fields.
// Metadata-looking lines inside the body are left alone.
func NormalizeOutput(raw string) (string, Metadata) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	var meta Metadata

	take := func(line string) bool {
		if strings.TrimSpace(line) == "" {
			return true
		}
		m := metaLine.FindStringSubmatch(line)
		if m == nil {
			return false
		}
		value := m[2]
		switch strings.ToLower(m[1]) {
		case "provider":
			meta.Provider = value
		case "model":
			meta.Model = value
		case "runtime", "backend":
			meta.Runtime = value
		case "route":
			meta.Route = value
		}
		return true
	}

	start := 0
	for start < len(lines) && take(lines[start]) {
		start++
	}
	end := len(lines)
	for end > start && take(lines[end-1]) {
		end--
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n")), meta
}
