package extractor

import (
	"math"
	"net/url"
	"regexp"
	"strings"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"

	"pagesift/internal/apperr"
	"pagesift/internal/urlutil"
)

// Metadata is the document-level information pulled from the head and
// Open Graph tags.
type Metadata struct {
	Title       string
	Description string
	OgImage     string
	SiteName    string
	PublishedAt string
	Author      string
	Canonical   string
	Language    string
	FaviconURL  string
}

// Result is the extraction output for one page.
type Result struct {
	Title           string
	Description     string
	Markdown        string
	Metadata        Metadata
	LinksInternal   []string
	LinksExternal   []string
	WordCount       int
	ReadTimeMinutes int
}

// dropSelectors are subtrees removed before content selection.
var dropSelectors = []string{
	"script", "style", "noscript", "nav", "footer", "header", "aside", "form", "iframe",
}

// adTrackerPattern is the class/id heuristic for ad and tracking chrome.
var adTrackerPattern = regexp.MustCompile(`(?i)\b(ad|ads|advert|advertisement|banner|sponsor|sponsored|promo|tracking|tracker|cookie|gdpr|consent|newsletter|popup|modal|sidebar|share|social|comment)s?\b`)

// blockTags are the elements considered during readability scoring.
var blockTags = map[string]struct{}{
	"article": {}, "main": {}, "section": {}, "div": {}, "td": {},
}

// Extract turns raw HTML plus its final URL into clean Markdown,
// metadata, and a partitioned link graph. Output is deterministic for
// identical input.
func Extract(rawHTML, finalURL string) (*Result, error) {
	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidURL, "parse final url", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeFetchError, "parse html", err)
	}

	meta := extractMetadata(doc, base)

	// Link collection runs on the pruned document but before content
	// selection so anchors outside the chosen subtree still count.
	pruned := doc.Clone()
	prune(pruned)

	internal, external := collectLinks(pruned, base)

	content := selectContent(pruned)

	markdown, err := toMarkdown(content, base)
	if err != nil {
		return nil, err
	}
	markdown = strings.TrimSpace(markdown)

	words := countWords(markdown)

	res := &Result{
		Title:           meta.Title,
		Description:     meta.Description,
		Markdown:        markdown,
		Metadata:        meta,
		LinksInternal:   internal,
		LinksExternal:   external,
		WordCount:       words,
		ReadTimeMinutes: int(math.Ceil(float64(words) / 200.0)),
	}
	return res, nil
}

func prune(doc *goquery.Selection) {
	for _, sel := range dropSelectors {
		doc.Find(sel).Remove()
	}
	doc.Find("[class],[id]").Each(func(_ int, s *goquery.Selection) {
		marker := s.AttrOr("class", "") + " " + s.AttrOr("id", "")
		if adTrackerPattern.MatchString(marker) {
			s.Remove()
		}
	})
}

// selectContent ranks block elements by text density, inverse link
// density, and punctuation frequency, and returns the best subtree.
// Falls back to body when nothing scores.
func selectContent(doc *goquery.Selection) *goquery.Selection {
	var best *goquery.Selection
	bestScore := 0.0

	doc.Find("article, main, section, div, td").Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		if _, ok := blockTags[name]; !ok {
			return
		}

		score := scoreBlock(s)
		if score > bestScore {
			bestScore = score
			best = s
		}
	})

	if best == nil {
		body := doc.Find("body")
		if body.Length() > 0 {
			return body
		}
		return doc
	}
	return best
}

func scoreBlock(s *goquery.Selection) float64 {
	text := strings.TrimSpace(s.Text())
	textLen := float64(len(text))
	if textLen < 80 {
		return 0
	}

	linkLen := 0.0
	s.Find("a").Each(func(_ int, a *goquery.Selection) {
		linkLen += float64(len(strings.TrimSpace(a.Text())))
	})

	linkDensity := linkLen / textLen
	punct := float64(strings.Count(text, ",") + strings.Count(text, ".") +
		strings.Count(text, ";") + strings.Count(text, "!") + strings.Count(text, "?"))

	// Semantic containers get a head start over generic divs.
	bias := 1.0
	switch goquery.NodeName(s) {
	case "article", "main":
		bias = 1.5
	}

	return bias * (textLen * (1.0 - linkDensity)) * (1.0 + math.Min(punct/100.0, 1.0))
}

// toMarkdown converts the chosen subtree to GFM-flavored Markdown with
// link targets rewritten absolute and stripped of tracking parameters.
func toMarkdown(content *goquery.Selection, base *url.URL) (string, error) {
	// Rewrite anchors before conversion so the markdown carries the
	// final targets.
	content.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if abs := absoluteLink(href, base); abs != "" {
			a.SetAttr("href", abs)
		}
	})
	content.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
		src := strings.TrimSpace(img.AttrOr("src", ""))
		if abs := absoluteLink(src, base); abs != "" {
			img.SetAttr("src", abs)
		}
	})

	html, err := goquery.OuterHtml(content)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeFetchError, "serialize content", err)
	}

	converter := htmlmd.NewConverter(base.Hostname(), true, nil)
	converter.Use(plugin.GitHubFlavored())

	markdown, err := converter.ConvertString(html)
	if err != nil {
		// Converter failure falls back to the plain text of the subtree.
		return strings.TrimSpace(content.Text()), nil
	}
	return markdown, nil
}

// absoluteLink resolves a reference against base and normalizes it with
// the shared tracking-parameter ruleset. Empty string means "leave as is".
func absoluteLink(ref string, base *url.URL) string {
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if canonical, err := urlutil.Normalize(u.String(), ""); err == nil {
		return canonical
	}
	return u.String()
}

// collectLinks gathers every anchor, partitioned into internal and
// external by registrable domain, deduplicated in first-seen order.
func collectLinks(doc *goquery.Selection, base *url.URL) (internal, external []string) {
	baseDomain := urlutil.RegistrableDomain(base.Hostname())
	seen := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		abs := absoluteLink(strings.TrimSpace(a.AttrOr("href", "")), base)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}

		u, err := url.Parse(abs)
		if err != nil {
			return
		}
		if urlutil.RegistrableDomain(u.Hostname()) == baseDomain {
			internal = append(internal, abs)
		} else {
			external = append(external, abs)
		}
	})
	return internal, external
}

func extractMetadata(doc *goquery.Document, base *url.URL) Metadata {
	m := Metadata{}

	m.Title = strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	if m.Title == "" {
		m.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if m.Title == "" {
		m.Title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	m.Description = strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", ""))
	if m.Description == "" {
		m.Description = strings.TrimSpace(doc.Find(`meta[property="og:description"]`).AttrOr("content", ""))
	}

	m.OgImage = strings.TrimSpace(doc.Find(`meta[property="og:image"]`).AttrOr("content", ""))
	m.SiteName = strings.TrimSpace(doc.Find(`meta[property="og:site_name"]`).AttrOr("content", ""))
	m.PublishedAt = strings.TrimSpace(doc.Find(`meta[property="article:published_time"]`).AttrOr("content", ""))
	m.Author = strings.TrimSpace(doc.Find(`meta[name="author"]`).AttrOr("content", ""))
	m.Language = strings.TrimSpace(doc.Find("html").First().AttrOr("lang", ""))

	if canonical := strings.TrimSpace(doc.Find(`link[rel="canonical"]`).AttrOr("href", "")); canonical != "" {
		if abs := absoluteLink(canonical, base); abs != "" {
			m.Canonical = abs
		} else {
			m.Canonical = canonical
		}
	}

	if favicon := strings.TrimSpace(doc.Find(`link[rel="icon"], link[rel="shortcut icon"]`).AttrOr("href", "")); favicon != "" {
		if u, err := url.Parse(favicon); err == nil {
			if !u.IsAbs() {
				u = base.ResolveReference(u)
			}
			m.FaviconURL = u.String()
		}
	} else {
		m.FaviconURL = base.Scheme + "://" + base.Host + "/favicon.ico"
	}

	return m
}

var punctStripper = strings.NewReplacer(
	"#", " ", "*", " ", "`", " ", "_", " ", ">", " ", "|", " ", "-", " ",
	"[", " ", "]", " ", "(", " ", ")", " ",
)

// countWords tokenizes on whitespace after stripping Markdown punctuation.
func countWords(markdown string) int {
	return len(strings.Fields(punctStripper.Replace(markdown)))
}
