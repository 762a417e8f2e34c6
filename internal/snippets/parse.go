package snippets

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/metorial/sentinel-runner/internal/models"
)

const (
	DescriptionLimit = 200
	defaultCategory  = "general"
)

type rawDescriptor struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Language    string `json:"language"`
	Description string `json:"description"`
}

// ParseCatalog extracts the JSON array embedded in collector output and returns the
// well-formed descriptors sorted by category, name and version. Diagnostic lines before
// and after the array are ignored.
func ParseCatalog(raw string) ([]models.SnippetDescriptor, error) {
	records, err := extractArray(raw)
	if err != nil {
		return nil, err
	}

	descs := make([]models.SnippetDescriptor, 0, len(records))
	for _, rec := range records {
		var r rawDescriptor
		if err := json.Unmarshal(rec, &r); err != nil {
			continue
		}
		if r.Name == "" || r.Version == "" {
			continue
		}
		descs = append(descs, models.SnippetDescriptor{
			Name:        r.Name,
			Version:     r.Version,
			Language:    r.Language,
			Description: truncate(r.Description, DescriptionLimit),
			Category:    category(r.Name),
		})
	}

	sort.SliceStable(descs, func(i, j int) bool {
		a, b := descs[i], descs[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Version < b.Version
	})
	return descs, nil
}

// ParseSource returns the output unchanged.
func ParseSource(raw string) string {
	return raw
}

var controlLine = regexp.MustCompile(`^\[(exit|exit code|done)( -?\d+)?\]$`)

// TrimControlLines drops trailing blank lines and trailing "[exit N]" markers that some
// collectors append after script output.
func TrimControlLines(raw string) string {
	lines := strings.Split(raw, "\n")
	for len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if last != "" && !controlLine.MatchString(strings.ToLower(last)) {
			break
		}
		lines = lines[:len(lines)-1]
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\r")
}

// maxArrayCandidates bounds how many '[' positions are tried before giving up, which
// keeps parsing linear in the size of the output.
const maxArrayCandidates = 64

// extractArray decodes the JSON array embedded in raw. The span from the first '[' to
// the last ']' is tried first; when preamble lines such as "[INFO] ..." break it, each
// later '[' is decoded as the start of one JSON value until an array decodes.
func extractArray(raw string) ([]json.RawMessage, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end < start {
		return nil, &models.ParseError{Detail: "no JSON array found in output"}
	}

	var records []json.RawMessage
	firstErr := json.Unmarshal([]byte(raw[start:end+1]), &records)
	if firstErr == nil {
		return records, nil
	}

	for s, tries := start, 0; s >= 0 && tries < maxArrayCandidates; tries++ {
		records = nil
		dec := json.NewDecoder(strings.NewReader(raw[s:]))
		if err := dec.Decode(&records); err == nil {
			return records, nil
		}
		next := strings.IndexByte(raw[s+1:], '[')
		if next < 0 {
			break
		}
		s += next + 1
	}

	return nil, &models.ParseError{Detail: "malformed JSON array", Err: firstErr}
}

func category(name string) string {
	if i := strings.Index(name, "."); i > 0 {
		return name[:i]
	}
	return defaultCategory
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
