// Package content decides how page content is obtained for extraction and
// shapes it before it is sent to the model: webmail detection, the size
// guard, primary-message isolation, the fetch service client and the
// browser page readers.
package content

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const (
	// MaxContentChars is the size above which Limit starts cutting.
	MaxContentChars = 100_000
	// TruncateChars is what Limit keeps when no main section is found.
	TruncateChars = 80_000
	// MinSectionChars is the shortest main/article section Limit keeps.
	MinSectionChars = 500

	// MaxMessageChars is the webmail text size above which PrimaryMessage
	// isolates the longest segment.
	MaxMessageChars = 10_000
	// MinSegmentChars is the shortest segment PrimaryMessage considers.
	MinSegmentChars = 50
)

// WebmailHosts are the web interfaces of known mail providers.
var WebmailHosts = []string{
	"mail.google.com",
	"outlook.live.com",
	"outlook.office.com",
	"outlook.office365.com",
	"mail.yahoo.com",
	"www.icloud.com",
	"mail.proton.me",
	"mail.protonmail.com",
}

// IsWebmail reports whether rawURL points at a webmail interface, matching
// the host exactly or as a suffix (".mail.google.com"). extraHosts extends
// the built-in list.
func IsWebmail(rawURL string, extraHosts ...string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	hostname := strings.ToLower(u.Hostname())

	match := func(host string) bool {
		host = strings.ToLower(strings.TrimSpace(host))
		return host != "" && (hostname == host || strings.HasSuffix(hostname, "."+host))
	}
	for _, h := range WebmailHosts {
		if match(h) {
			return true
		}
	}
	for _, h := range extraHosts {
		if match(h) {
			return true
		}
	}
	return false
}

// Limit keeps model payloads within practical size. Content up to
// MaxContentChars passes through. Larger content is reduced to its
// <main>, role="main" and <article> sections longer than MinSectionChars,
// joined by blank lines; without such sections it is cut to the first
// TruncateChars characters.
func Limit(s string) string {
	if utf8.RuneCountInString(s) <= MaxContentChars {
		return s
	}

	if sections := mainSections(s); len(sections) > 0 {
		return strings.Join(sections, "\n\n")
	}
	return truncateRunes(s, TruncateChars)
}

func mainSections(s string) []string {
	if !strings.Contains(s, "<") {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return nil
	}

	var out []string
	for _, sel := range []string{"main", `[role="main"]`, "article"} {
		doc.Find(sel).Each(func(_ int, node *goquery.Selection) {
			inner, err := node.Html()
			if err != nil {
				return
			}
			if utf8.RuneCountInString(inner) > MinSectionChars {
				out = append(out, inner)
			}
		})
	}
	return out
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// blankRun matches three or more line breaks separated only by whitespace.
var blankRun = regexp.MustCompile(`(?:\n\s*){3,}`)

// PrimaryMessage isolates the message body from webmail page text. Text up
// to MaxMessageChars is returned trimmed. Longer text is split on runs of
// blank lines and the longest segment over MinSegmentChars wins, which
// drops navigation chrome and quoted threads.
func PrimaryMessage(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= MaxMessageChars {
		return text
	}

	best := ""
	for _, part := range blankRun.Split(text, -1) {
		if utf8.RuneCountInString(strings.TrimSpace(part)) <= MinSegmentChars {
			continue
		}
		if utf8.RuneCountInString(part) > utf8.RuneCountInString(best) {
			best = part
		}
	}
	if best == "" {
		return text
	}
	return best
}
