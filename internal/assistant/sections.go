package assistant

import "strings"

// MissingSection is substituted for any section the text does not contain.
const MissingSection = "Not provided."

// IdeaSections is the ordered grammar of an idea review.
var IdeaSections = []string{"SUMMARY", "STRENGTHS", "RISKS", "NEXT STEPS"}

// ParseSections extracts "[HEADER]" delimited sections from free text. A
// section runs until the next known header that follows it. Headers are
// matched case-insensitively and may appear in any order; absent or empty
// sections map to MissingSection.
func ParseSections(text string, headers []string) map[string]string {
	upper := asciiUpper(text)

	type mark struct {
		header string
		start  int // index of the marker
		body   int // index just past the marker
	}
	var marks []mark
	for _, h := range headers {
		marker := "[" + strings.ToUpper(h) + "]"
		if idx := strings.Index(upper, marker); idx >= 0 {
			marks = append(marks, mark{header: h, start: idx, body: idx + len(marker)})
		}
	}

	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h] = MissingSection
	}

	for _, m := range marks {
		end := len(text)
		for _, other := range marks {
			if other.start > m.start && other.start < end {
				end = other.start
			}
		}
		if body := strings.TrimSpace(text[m.body:end]); body != "" {
			out[m.header] = body
		}
	}
	return out
}

// asciiUpper upper-cases ASCII letters only, so byte offsets stay valid
// for the original text.
func asciiUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'a' <= c && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
