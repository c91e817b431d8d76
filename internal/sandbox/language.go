package sandbox

import "sort"

// Language maps an exam language to the sandbox runtime that executes it.
type Language struct {
	Runtime  string
	Version  string
	FileName string
}

var languages = map[string]Language{
	"javascript": {Runtime: "javascript", Version: "*", FileName: "main.js"},
	"typescript": {Runtime: "typescript", Version: "*", FileName: "main.ts"},
	"python":     {Runtime: "python", Version: "*", FileName: "main.py"},
}

// Lookup returns the runtime for an exam language.
func Lookup(lang string) (Language, bool) {
	l, ok := languages[lang]
	return l, ok
}

// Supported returns the supported exam languages in sorted order.
func Supported() []string {
	out := make([]string, 0, len(languages))
	for name := range languages {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
