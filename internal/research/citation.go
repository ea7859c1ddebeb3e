package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	nurl "net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
)

// CitationEntry is one numbered source in a report's citation table.
type CitationEntry struct {
	N     int    `json:"n"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

var (
	// "[7, 12, 13]" style groups first, then single "[7]" markers.
	multiMarkerRe  = regexp.MustCompile(`\[\s*(\d+\s*(?:,\s*\d+\s*)+)\]`)
	singleMarkerRe = regexp.MustCompile(`\[(\d+)\]`)
	anyMarkerRe    = regexp.MustCompile(`\[\s*\d+(?:\s*,\s*\d+)*\s*\]`)
)

// Renumber maps proposed citations onto a stable numbering. Numbers are
// assigned in first-use order of the markers in the report, starting
// after the highest seeded number. Entries sharing a URL collapse onto
// one number, and seeded URLs keep the numbers they already had, so a
// report annotated across several passes never renumbers an old source.
// Markers that reference no proposed entry are left untouched.
func Renumber(report string, proposed []CitationEntry, seed []CitationEntry) (string, []CitationEntry) {
	urlOf := make(map[int]string, len(proposed))
	titleFor := make(map[string]string)
	for _, c := range proposed {
		if c.URL == "" {
			continue
		}
		urlOf[c.N] = c.URL
		if c.Title != "" {
			titleFor[c.URL] = c.Title
		}
	}

	stable := make(map[string]int, len(seed))
	entries := append([]CitationEntry(nil), seed...)
	nextN := 1
	for _, c := range seed {
		stable[c.URL] = c.N
		if c.Title != "" && titleFor[c.URL] == "" {
			titleFor[c.URL] = c.Title
		}
		if c.N >= nextN {
			nextN = c.N + 1
		}
	}

	assign := func(url string) int {
		if n, ok := stable[url]; ok {
			return n
		}
		n := nextN
		nextN++
		stable[url] = n
		entries = append(entries, CitationEntry{N: n, URL: url, Title: titleFor[url]})
		return n
	}

	// Walk markers in text order, grouped ones included, so numbering
	// follows first use.
	remap := make(map[int]int)
	for _, group := range anyMarkerRe.FindAllString(report, -1) {
		for _, p := range strings.Split(strings.Trim(group, "[]"), ",") {
			old, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				continue
			}
			if _, done := remap[old]; done {
				continue
			}
			url, ok := urlOf[old]
			if !ok {
				continue
			}
			remap[old] = assign(url)
		}
	}
	// Proposed entries never used in the text still join the table.
	for _, c := range proposed {
		if c.URL != "" {
			assign(c.URL)
		}
	}

	rewritten := rewriteMarkers(report, func(old int) (string, bool) {
		if n, ok := remap[old]; ok {
			return strconv.Itoa(n), true
		}
		return "", false
	})

	sort.Slice(entries, func(i, j int) bool { return entries[i].N < entries[j].N })
	return rewritten, entries
}

// rewriteMarkers rewrites each numeric marker through resolve, handling
// grouped markers number by number. Numbers resolve returns false for
// are left exactly as written.
func rewriteMarkers(text string, resolve func(int) (string, bool)) string {
	out := multiMarkerRe.ReplaceAllStringFunc(text, func(group string) string {
		inner := strings.Trim(group, "[]")
		parts := strings.Split(inner, ",")
		replaced := make([]string, 0, len(parts))
		any := false
		for _, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return group
			}
			if r, ok := resolve(n); ok {
				replaced = append(replaced, r)
				any = true
			} else {
				replaced = append(replaced, strings.TrimSpace(p))
			}
		}
		if !any {
			return group
		}
		return "[" + strings.Join(replaced, ", ") + "]"
	})
	return singleMarkerRe.ReplaceAllStringFunc(out, func(marker string) string {
		n, _ := strconv.Atoi(strings.Trim(marker, "[]"))
		if r, ok := resolve(n); ok {
			return "[" + r + "]"
		}
		return marker
	})
}

// hostLabel turns a citation URL into the short link label shown in
// rendered reports.
func hostLabel(rawURL string) string {
	u, err := nurl.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.TrimPrefix(u.Host, "www.")
}

// ReplaceMarkers substitutes numeric citation markers with markdown
// links, "[3]" becoming "[reuters.com](https://...)". Grouped markers
// are expanded per number. Numbers with no table entry stay untouched,
// and text already substituted passes through unchanged since markdown
// links carry no bare numeric markers.
func ReplaceMarkers(text string, citations []CitationEntry) string {
	byN := make(map[int]CitationEntry, len(citations))
	for _, c := range citations {
		byN[c.N] = c
	}
	out := multiMarkerRe.ReplaceAllStringFunc(text, func(group string) string {
		inner := strings.Trim(group, "[]")
		parts := strings.Split(inner, ",")
		links := make([]string, 0, len(parts))
		any := false
		for _, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return group
			}
			if c, ok := byN[n]; ok {
				links = append(links, fmt.Sprintf("[%s](%s)", hostLabel(c.URL), c.URL))
				any = true
			} else {
				links = append(links, "["+strings.TrimSpace(p)+"]")
			}
		}
		if !any {
			return group
		}
		return strings.Join(links, ", ")
	})
	return singleMarkerRe.ReplaceAllStringFunc(out, func(marker string) string {
		n, _ := strconv.Atoi(strings.Trim(marker, "[]"))
		c, ok := byN[n]
		if !ok {
			return marker
		}
		return fmt.Sprintf("[%s](%s)", hostLabel(c.URL), c.URL)
	})
}

// citationSchema constrains the citation model's structured output.
var citationSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"annotated_report": {"type": "string"},
		"citations": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"n": {"type": "integer"},
					"url": {"type": "string"},
					"title": {"type": "string"}
				},
				"required": ["n", "url", "title"],
				"additionalProperties": false
			}
		}
	},
	"required": ["annotated_report", "citations"],
	"additionalProperties": false
}`)

type citationOutput struct {
	AnnotatedReport string          `json:"annotated_report"`
	Citations       []CitationEntry `json:"citations"`
}

// Stabilizer inserts citation markers into research reports using a
// citation model, then enforces stable numbering in code regardless of
// what the model returned.
type Stabilizer struct {
	invoker *llm.Invoker
	model   string
	logger  *log.Logger
}

func NewStabilizer(invoker *llm.Invoker, model string, logger *log.Logger) *Stabilizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[CITATION] ", log.LstdFlags)
	}
	return &Stabilizer{invoker: invoker, model: model, logger: logger}
}

// Stabilize annotates report with citation markers drawn only from
// pages, numbered stably against seed. With no candidate pages and no
// seed the report passes through unchanged with an empty table.
func (s *Stabilizer) Stabilize(ctx context.Context, report string, pages []FetchedPage, seed []CitationEntry) (string, []CitationEntry, error) {
	if len(pages) == 0 && len(seed) == 0 {
		return report, nil, nil
	}

	allowed := make(map[string]bool, len(pages)+len(seed))
	var sources strings.Builder
	for _, p := range pages {
		allowed[p.URL] = true
		fmt.Fprintf(&sources, "- %s (%s)\n", p.URL, p.Title)
	}
	for _, c := range seed {
		allowed[c.URL] = true
	}
	seedJSON, err := json.Marshal(seed)
	if err != nil {
		return "", nil, fmt.Errorf("marshalling existing citations: %w", err)
	}

	user := fmt.Sprintf("REPORT:\n%s\n\nALLOWED SOURCES:\n%s\nEXISTING CITATIONS (reuse their numbers):\n%s",
		report, sources.String(), seedJSON)

	resp, err := s.invoker.Complete(ctx, s.model, llm.Request{
		System:         citationSystemPrompt,
		Messages:       []llm.Message{llm.TextMessage(llm.RoleUser, user)},
		ResponseSchema: citationSchema,
	})
	if err != nil {
		return "", nil, fmt.Errorf("citation model call: %w", err)
	}

	var out citationOutput
	if err := json.Unmarshal([]byte(resp.Message.Text()), &out); err != nil {
		return "", nil, fmt.Errorf("parsing citation output: %w", err)
	}

	// Citations outside the evidence pool are discarded before numbering.
	kept := out.Citations[:0]
	for _, c := range out.Citations {
		if allowed[c.URL] {
			kept = append(kept, c)
		} else {
			s.logger.Printf("dropping citation to unfetched source %s", c.URL)
		}
	}
	annotated, entries := Renumber(out.AnnotatedReport, kept, seed)
	return annotated, entries, nil
}
