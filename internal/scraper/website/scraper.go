// Package website extracts company information from a company's public
// website: the root page plus a bounded set of about, contact, team and
// careers pages discovered from it.
package website

import (
	"bytes"
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-research/internal/research"
)

// Config bounds how much of a site is visited.
type Config struct {
	MaxPagesPerSection int
	MaxSecondaryPages  int
	// ArchivePrefix is the object prefix for archived pages.
	ArchivePrefix string
}

// DefaultConfig visits one page per section and six secondary pages at most.
func DefaultConfig() Config {
	return Config{MaxPagesPerSection: 1, MaxSecondaryPages: 6, ArchivePrefix: "pages"}
}

// Scraper implements research.WebsiteScraper.
type Scraper struct {
	cfg     Config
	fetcher research.Fetcher
	blobs   research.BlobStore
	hasher  research.Hasher
	logger  *zap.Logger
}

var _ research.WebsiteScraper = (*Scraper)(nil)

// New builds a Scraper. blobs and hasher are optional; when both are set,
// every fetched page is archived.
func New(
	fetcher research.Fetcher,
	blobs research.BlobStore,
	hasher research.Hasher,
	cfg Config,
	logger *zap.Logger,
) *Scraper {
	if cfg.MaxPagesPerSection <= 0 {
		cfg.MaxPagesPerSection = 1
	}
	if cfg.MaxSecondaryPages <= 0 {
		cfg.MaxSecondaryPages = 6
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{
		cfg:     cfg,
		fetcher: fetcher,
		blobs:   blobs,
		hasher:  hasher,
		logger:  logger,
	}
}

// ScrapeCompanyInfo scrapes domain. A failed root page fails the scrape;
// failed secondary pages are recorded in Notes and leave their section empty.
func (s *Scraper) ScrapeCompanyInfo(ctx context.Context, domain string) (*research.WebsiteResult, error) {
	root, err := rootURL(domain)
	if err != nil {
		return nil, &research.Error{
			Code: research.CodeScrapeFailed,
			Op:   "scrape website",
			URL:  domain,
			Err:  &research.Error{Code: research.CodeClientError, Op: "parse domain", Err: err},
		}
	}
	logger := s.logger.With(zap.String("domain", domain))

	home, err := s.load(ctx, root.String())
	if err != nil {
		return nil, &research.Error{Code: research.CodeScrapeFailed, Op: "scrape website", URL: root.String(), Err: err}
	}

	result := research.NewWebsiteResult(domain)
	s.record(ctx, result, home)

	result.Profile = extractProfile(home.doc)
	homeText := visibleText(home.doc.Selection)
	s.mergeContact(result, home.doc, homeText)
	extractSocialLinks(home.doc, result.ContactInfo.SocialLinks)
	result.Locations = appendUnique(result.Locations, extractLocations(home.doc)...)
	result.SizeHints = appendUnique(result.SizeHints, extractSizeHints(homeText)...)
	if employees := result.Profile["ld:numberOfEmployees"]; employees != "" {
		result.SizeHints = appendUnique(result.SizeHints, employees+" employees")
	}

	candidates := discover(home.doc, home.url, s.cfg.MaxPagesPerSection, s.cfg.MaxSecondaryPages)
	logger.Debug("discovered secondary pages", zap.Int("count", len(candidates)))
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			result.Notes[c.url] = "skipped: " + err.Error()
			continue
		}
		p, err := s.load(ctx, c.url)
		if err != nil {
			result.Notes[c.url] = err.Error()
			logger.Warn("secondary page failed",
				zap.String("url", c.url),
				zap.String("section", string(c.section)),
				zap.String("code", string(research.CodeOf(err))),
				zap.Error(err),
			)
			continue
		}
		s.record(ctx, result, p)
		s.apply(result, c.section, p)
	}

	if result.AboutText == "" {
		result.AboutText = mainContent(home.doc)
	}
	if result.AboutText == "" {
		result.AboutText = result.Profile["description"]
	}
	return result, nil
}

func (s *Scraper) apply(result *research.WebsiteResult, sec section, p *loaded) {
	text := visibleText(p.doc.Selection)
	extractSocialLinks(p.doc, result.ContactInfo.SocialLinks)
	result.SizeHints = appendUnique(result.SizeHints, extractSizeHints(text)...)

	switch sec {
	case sectionAbout:
		if about := mainContent(p.doc); about != "" {
			result.AboutText = about
		} else {
			result.AboutText = truncateRunes(text, maxAboutRunes)
		}
		result.Locations = appendUnique(result.Locations, extractLocations(p.doc)...)
	case sectionContact:
		s.mergeContact(result, p.doc, text)
		result.Locations = appendUnique(result.Locations, extractLocations(p.doc)...)
	case sectionTeam:
		result.TeamMembers = append(result.TeamMembers, extractTeam(p.doc)...)
	case sectionCareers:
		if result.CareersURL == "" {
			result.CareersURL = p.url.String()
		}
		result.JobListings = append(result.JobListings, extractJobs(p.doc, p.url)...)
	}
}

func (s *Scraper) mergeContact(result *research.WebsiteResult, doc *goquery.Document, text string) {
	info := &result.ContactInfo
	info.Emails = appendUnique(info.Emails, extractEmails(doc, text)...)
	info.Phones = appendUnique(info.Phones, extractPhones(doc, text)...)
	info.Addresses = appendUnique(info.Addresses, extractAddresses(doc)...)
}

type loaded struct {
	page
	resp *research.FetchResponse
}

func (s *Scraper) load(ctx context.Context, rawURL string) (*loaded, error) {
	resp, err := s.fetcher.Fetch(ctx, rawURL, research.FetchOptions{})
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &research.Error{Code: research.CodeParseError, Op: "parse html", URL: rawURL, Err: eris.Wrap(err, "parse html")}
	}
	pageURL, err := url.Parse(resp.FinalURL)
	if err != nil || resp.FinalURL == "" {
		pageURL, _ = url.Parse(rawURL)
	}
	return &loaded{page: page{url: pageURL, doc: doc}, resp: resp}, nil
}

// record notes the fetch time and archives the body when an archive is set.
func (s *Scraper) record(ctx context.Context, result *research.WebsiteResult, l *loaded) {
	source := l.resp.URL
	if source == "" {
		source = l.url.String()
	}
	result.Metadata[source] = l.resp.FetchedAt.UTC().Format(time.RFC3339)

	if s.blobs == nil || s.hasher == nil {
		return
	}
	sum, err := s.hasher.Hash(l.resp.Body)
	if err != nil {
		s.logger.Warn("hash page", zap.String("url", source), zap.Error(err))
		return
	}
	objectPath := path.Join(s.cfg.ArchivePrefix, strings.ToLower(l.url.Hostname()), sum+".html")
	uri, err := s.blobs.PutObject(ctx, objectPath, "text/html; charset=utf-8", bytes.NewReader(l.resp.Body))
	if err != nil {
		s.logger.Warn("archive page", zap.String("url", source), zap.Error(err))
		return
	}
	result.Archived[source] = uri
}

// rootURL turns a bare domain into an https URL; explicit schemes are kept.
func rootURL(domain string) (*url.URL, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil, eris.New("empty domain")
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	u, err := url.Parse(domain)
	if err != nil {
		return nil, eris.Wrapf(err, "parse domain %q", domain)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, eris.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, eris.Errorf("domain %q has no host", domain)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}
