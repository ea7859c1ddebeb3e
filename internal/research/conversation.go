package research

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/internal/discovery"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
)

var (
	markdownLinkRe = regexp.MustCompile(`\]\((https?://[^)\s]+)\)`)
	bareURLRe      = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
)

// ExtractURLs collects every URL mentioned in text, markdown link targets
// first and bare URLs after, deduplicated in first-use order.
func ExtractURLs(text string) []string {
	seen := make(map[string]bool)
	var urls []string
	add := func(u string) {
		u = strings.TrimRight(u, ".,;:!?")
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}
	for _, m := range markdownLinkRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, u := range bareURLRe.FindAllString(text, -1) {
		add(u)
	}
	return urls
}

// MessagesToText flattens a transcript into plain text, optionally
// including tool traffic. Used to build citation-agent context.
func MessagesToText(msgs []llm.Message, includeTools bool) string {
	var sb strings.Builder
	for _, msg := range msgs {
		for _, p := range msg.Parts {
			switch p.Kind {
			case llm.PartText:
				fmt.Fprintf(&sb, "[%s]\n%s\n\n", msg.Role, p.Text)
			case llm.PartToolCall:
				if includeTools {
					fmt.Fprintf(&sb, "[%s tool call: %s]\n%s\n\n", msg.Role, p.ToolName, p.Args)
				}
			case llm.PartToolResult:
				if includeTools {
					fmt.Fprintf(&sb, "[tool result: %s]\n%s\n\n", p.ToolName, p.Content)
				}
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// FetchedPage is a page a subagent actually read, the evidence pool the
// citation pass is allowed to cite from.
type FetchedPage struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// FilterFetchResults walks a transcript and returns the pages retrieved
// by web_fetch calls, skipping failed fetches. Search snippets do not
// count as evidence; only fetched page content does.
func FilterFetchResults(msgs []llm.Message) []FetchedPage {
	seen := make(map[string]bool)
	var pages []FetchedPage
	for _, msg := range msgs {
		for _, p := range msg.Parts {
			if p.Kind != llm.PartToolResult || p.ToolName != ToolWebFetch {
				continue
			}
			var results []discovery.FetchResult
			if err := json.Unmarshal(p.Content, &results); err != nil {
				continue
			}
			for _, r := range results {
				if r.Error != "" || r.Content == "" || seen[r.URL] {
					continue
				}
				seen[r.URL] = true
				pages = append(pages, FetchedPage{URL: r.URL, Title: r.Title, Content: r.Content})
			}
		}
	}
	return pages
}
