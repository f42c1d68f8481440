package website

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/company-research/internal/research"
)

const maxAboutRunes = 4000

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`)
	nonPhone     = regexp.MustCompile(`[^\d+]`)
	whitespace   = regexp.MustCompile(`\s+`)

	sizePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b\d[\d,]*\+?\s*employees\b`),
		regexp.MustCompile(`(?i)\bteam of \d[\d,]*\+?`),
		regexp.MustCompile(`(?i)\bover \d[\d,]* people\b`),
		regexp.MustCompile(`(?i)\b\d[\d,]*\+? people worldwide\b`),
		regexp.MustCompile(`(?i)\bgrown to \d[\d,]*\+?`),
	}
)

var socialDomains = []struct {
	domain   string
	platform string
}{
	{"linkedin.com", "linkedin"},
	{"twitter.com", "twitter"},
	{"x.com", "twitter"},
	{"facebook.com", "facebook"},
	{"instagram.com", "instagram"},
	{"github.com", "github"},
	{"youtube.com", "youtube"},
}

var (
	teamClasses = []string{"team-member", "person", "profile", "bio"}
	jobClasses  = []string{"job-posting", "position", "vacancy", "opening"}
)

var organizationTypes = map[string]bool{
	"organization":  true,
	"corporation":   true,
	"localbusiness": true,
	"company":       true,
}

// page is a parsed fetch result.
type page struct {
	url *url.URL
	doc *goquery.Document
}

func cleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}

func classContains(sel *goquery.Selection, terms ...string) bool {
	class, ok := sel.Attr("class")
	if !ok {
		return false
	}
	class = strings.ToLower(class)
	for _, term := range terms {
		if strings.Contains(class, term) {
			return true
		}
	}
	return false
}

// visibleText returns the text of sel with scripts, styles and chrome removed.
func visibleText(sel *goquery.Selection) string {
	clone := sel.Clone()
	clone.Find("script, style, noscript, template, nav, header, footer").Remove()
	return cleanText(clone.Text())
}

// mainContent returns the text of the page's main region, if it has one.
func mainContent(doc *goquery.Document) string {
	for _, selector := range []string{"main", "article", `[role="main"]`, ".main-content", "#main-content"} {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if text := visibleText(sel); text != "" {
			return truncateRunes(text, maxAboutRunes)
		}
	}
	return ""
}

func extractEmails(doc *goquery.Document, text string) []string {
	var out []string
	doc.Find(`a[href^="mailto:"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		if addr = strings.ToLower(strings.TrimSpace(addr)); emailPattern.MatchString(addr) {
			out = appendUnique(out, addr)
		}
	})
	for _, match := range emailPattern.FindAllString(text, -1) {
		out = appendUnique(out, strings.ToLower(match))
	}
	return out
}

func extractPhones(doc *goquery.Document, text string) []string {
	var out []string
	doc.Find(`a[href^="tel:"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if phone := nonPhone.ReplaceAllString(strings.TrimPrefix(href, "tel:"), ""); len(phone) >= 7 {
			out = appendUnique(out, phone)
		}
	})
	for _, match := range phonePattern.FindAllString(text, -1) {
		out = appendUnique(out, nonPhone.ReplaceAllString(match, ""))
	}
	return out
}

func extractAddresses(doc *goquery.Document) []string {
	var out []string
	doc.Find("address, div, p, span, [itemprop]").Each(func(_ int, sel *goquery.Selection) {
		prop, _ := sel.Attr("itemprop")
		if goquery.NodeName(sel) != "address" && prop != "address" && !classContains(sel, "address") {
			return
		}
		if addr := cleanText(sel.Text()); addr != "" {
			out = appendUnique(out, addr)
		}
	})
	return out
}

// extractSocialLinks maps platform names to profile URLs. The first link per
// platform wins.
func extractSocialLinks(doc *goquery.Document, into map[string]string) {
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil || u.Host == "" {
			return
		}
		host := strings.ToLower(u.Hostname())
		for _, social := range socialDomains {
			if host != social.domain && !strings.HasSuffix(host, "."+social.domain) {
				continue
			}
			if _, exists := into[social.platform]; !exists {
				into[social.platform] = u.String()
			}
			return
		}
	})
}

func extractTeam(doc *goquery.Document) []research.TeamMember {
	var out []research.TeamMember
	seen := map[string]bool{}
	doc.Find("div, article, li, section").Each(func(_ int, sel *goquery.Selection) {
		if !classContains(sel, teamClasses...) {
			return
		}
		name := cleanText(sel.Find("h2, h3, h4, h5, strong").First().Text())
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		member := research.TeamMember{Name: name}
		sel.Find("[class]").EachWithBreak(func(_ int, child *goquery.Selection) bool {
			if classContains(child, "title", "role", "position") {
				member.Title = cleanText(child.Text())
				return false
			}
			return true
		})
		out = append(out, member)
	})
	return out
}

func extractJobs(doc *goquery.Document, base *url.URL) []research.JobListing {
	var out []research.JobListing
	seen := map[string]bool{}
	add := func(job research.JobListing) {
		key := job.Title + "|" + job.URL
		if job.Title == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, job)
	}

	doc.Find("div, article, li, section").Each(func(_ int, sel *goquery.Selection) {
		if !classContains(sel, jobClasses...) {
			return
		}
		heading := sel.Find("h2, h3, h4, a").First()
		job := research.JobListing{Title: cleanText(heading.Text())}
		link := sel.Find("a[href]").First()
		if href, ok := link.Attr("href"); ok {
			if target, ok := resolve(base, href); ok {
				job.URL = target.String()
			}
		}
		sel.Find("[class]").EachWithBreak(func(_ int, child *goquery.Selection) bool {
			if classContains(child, "location") {
				job.Location = cleanText(child.Text())
				return false
			}
			return true
		})
		add(job)
	})
	if len(out) > 0 {
		return out
	}

	// Plain lists of links under a careers page are usually openings.
	doc.Find("li a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		target, ok := resolve(base, href)
		if !ok || normalize(target) == normalize(base) {
			return
		}
		path := strings.ToLower(target.Path)
		if !strings.Contains(path, "/job") && !strings.Contains(path, "/careers/") &&
			!strings.Contains(path, "/positions/") && !strings.Contains(path, "/openings/") {
			return
		}
		add(research.JobListing{Title: cleanText(a.Text()), URL: target.String()})
	})
	return out
}

func extractLocations(doc *goquery.Document) []string {
	var out []string
	doc.Find("div, p, span, li").Each(func(_ int, sel *goquery.Selection) {
		if !classContains(sel, "location") {
			return
		}
		if loc := cleanText(sel.Text()); loc != "" {
			out = appendUnique(out, loc)
		}
	})
	doc.Find("address").Each(func(_ int, sel *goquery.Selection) {
		if addr := cleanText(sel.Text()); addr != "" {
			out = appendUnique(out, addr)
		}
	})
	return out
}

func extractSizeHints(text string) []string {
	var out []string
	for _, pattern := range sizePatterns {
		for _, match := range pattern.FindAllString(text, -1) {
			out = appendUnique(out, cleanText(match))
		}
	}
	return out
}

// extractProfile reads title, meta description and keywords, og:* tags and
// JSON-LD organization fields.
func extractProfile(doc *goquery.Document) map[string]string {
	profile := map[string]string{}
	if title := cleanText(doc.Find("head title").First().Text()); title != "" {
		profile["title"] = title
	}
	for _, name := range []string{"description", "keywords"} {
		if content, ok := doc.Find(fmt.Sprintf(`meta[name=%q]`, name)).Attr("content"); ok && strings.TrimSpace(content) != "" {
			profile[name] = cleanText(content)
		}
	}
	doc.Find(`meta[property^="og:"]`).Each(func(_ int, meta *goquery.Selection) {
		prop, _ := meta.Attr("property")
		content, _ := meta.Attr("content")
		if content = cleanText(content); content != "" {
			profile[prop] = content
		}
	})
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, script *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(script.Text()), &payload); err != nil {
			return
		}
		for _, node := range ldNodes(payload) {
			if organizationTypes[strings.ToLower(ldType(node))] {
				mergeOrganization(profile, node)
			}
		}
	})
	return profile
}

func ldNodes(payload any) []map[string]any {
	switch v := payload.(type) {
	case []any:
		var out []map[string]any
		for _, item := range v {
			out = append(out, ldNodes(item)...)
		}
		return out
	case map[string]any:
		if graph, ok := v["@graph"]; ok {
			return ldNodes(graph)
		}
		return []map[string]any{v}
	default:
		return nil
	}
}

func ldType(node map[string]any) string {
	switch t := node["@type"].(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && organizationTypes[strings.ToLower(s)] {
				return s
			}
		}
	}
	return ""
}

func mergeOrganization(profile map[string]string, node map[string]any) {
	for _, field := range []string{"name", "legalName", "url", "description", "foundingDate", "telephone", "email"} {
		if s := ldString(node[field]); s != "" {
			profile["ld:"+field] = s
		}
	}
	if employees := ldString(node["numberOfEmployees"]); employees != "" {
		profile["ld:numberOfEmployees"] = employees
	}
	if addr := ldAddress(node["address"]); addr != "" {
		profile["ld:address"] = addr
	}
}

func ldString(v any) string {
	switch t := v.(type) {
	case string:
		return cleanText(t)
	case float64:
		return fmt.Sprintf("%g", t)
	case map[string]any:
		if value, ok := t["value"]; ok {
			return ldString(value)
		}
		if lo, hi := ldString(t["minValue"]), ldString(t["maxValue"]); lo != "" && hi != "" {
			return lo + "-" + hi
		}
	}
	return ""
}

func ldAddress(v any) string {
	switch t := v.(type) {
	case string:
		return cleanText(t)
	case map[string]any:
		var parts []string
		for _, field := range []string{"streetAddress", "addressLocality", "addressRegion", "postalCode", "addressCountry"} {
			if s := ldString(t[field]); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		dup := false
		for _, existing := range list {
			if existing == v {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, v)
		}
	}
	return list
}
