package profile

import (
	"embed"
	"strings"
)

//go:embed packs/*.md
var packFS embed.FS

// SystemPrompt returns the prompt pack for p, falling back to the generic
// pack for unknown profiles.
func SystemPrompt(p Profile) string {
	if !p.Valid() {
		p = Generic
	}
	data, err := packFS.ReadFile("packs/" + string(p) + ".md")
	if err != nil {
		data, _ = packFS.ReadFile("packs/generic.md")
	}
	return strings.TrimSpace(string(data))
}
