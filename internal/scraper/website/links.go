package website

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type section string

const (
	sectionAbout   section = "about"
	sectionContact section = "contact"
	sectionTeam    section = "team"
	sectionCareers section = "careers"
)

// sectionOrder is also the fetch order.
var sectionOrder = []section{sectionAbout, sectionContact, sectionTeam, sectionCareers}

var sectionPaths = map[section]*regexp.Regexp{
	sectionAbout:   regexp.MustCompile(`(?i)/(about|about-us|who-we-are|company|our-story)/?$`),
	sectionContact: regexp.MustCompile(`(?i)/(contact|contact-us|get-in-touch)/?$`),
	sectionTeam:    regexp.MustCompile(`(?i)/(team|our-team|people|leadership|management)/?$`),
	sectionCareers: regexp.MustCompile(`(?i)/(careers?|jobs|work-(with|for)-us|join-us|opportunities)/?$`),
}

var sectionWords = map[section][]string{
	sectionAbout:   {"about us", "about", "who we are", "our story"},
	sectionContact: {"contact us", "contact", "get in touch"},
	sectionTeam:    {"our team", "team", "leadership", "people"},
	sectionCareers: {"careers", "jobs", "join us", "work with us"},
}

type candidate struct {
	section section
	url     string
}

// discover returns same-site section links of the root page in fetch order,
// at most perSection per section and total overall.
func discover(doc *goquery.Document, base *url.URL, perSection, total int) []candidate {
	found := make(map[section][]string)
	seen := map[string]bool{normalize(base): true}

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		target, ok := resolve(base, href)
		if !ok || !sameSite(base, target) {
			return
		}
		key := normalize(target)
		if seen[key] {
			return
		}
		sec, ok := classify(target.Path, cleanText(a.Text()))
		if !ok || len(found[sec]) >= perSection {
			return
		}
		seen[key] = true
		found[sec] = append(found[sec], key)
	})

	var out []candidate
	for _, sec := range sectionOrder {
		for _, u := range found[sec] {
			if total > 0 && len(out) >= total {
				return out
			}
			out = append(out, candidate{section: sec, url: u})
		}
	}
	return out
}

// classify matches the href path first and falls back to the anchor text.
func classify(path, text string) (section, bool) {
	for _, sec := range sectionOrder {
		if sectionPaths[sec].MatchString(path) {
			return sec, true
		}
	}
	text = strings.ToLower(text)
	if text == "" || len(text) > 40 {
		return "", false
	}
	for _, sec := range sectionOrder {
		for _, word := range sectionWords[sec] {
			if text == word || strings.HasPrefix(text, word+" ") {
				return sec, true
			}
		}
	}
	return "", false
}

func resolve(base *url.URL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	target := base.ResolveReference(ref)
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, false
	}
	target.Fragment = ""
	return target, true
}

func sameSite(base, target *url.URL) bool {
	return stripWWW(base.Hostname()) == stripWWW(target.Hostname())
}

func stripWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

func normalize(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.Host = strings.ToLower(c.Host)
	if c.Path == "" {
		c.Path = "/"
	}
	return c.String()
}
