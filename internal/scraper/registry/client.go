// Package registry is a client for an OpenCorporates-style corporate
// registry API.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/company-research/internal/research"
)

// DefaultBaseURL is the public OpenCorporates API root.
const DefaultBaseURL = "https://api.opencorporates.com/v0.4/"

// Config controls the registry client.
type Config struct {
	BaseURL  string
	APIToken string
	// MaxPages caps how many search result pages are followed.
	MaxPages int
	// RPS is the request quota with a token; AnonymousRPS applies without one.
	RPS          float64
	AnonymousRPS float64
	Burst        int
}

// DefaultConfig follows five pages with anonymous quotas of one request
// every two seconds.
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		MaxPages:     5,
		RPS:          5,
		AnonymousRPS: 0.5,
		Burst:        1,
	}
}

// Client implements research.RegistryScraper over a research.Fetcher.
type Client struct {
	cfg     Config
	base    *url.URL
	fetcher research.Fetcher
	quota   *rate.Limiter
	logger  *zap.Logger
}

var _ research.RegistryScraper = (*Client)(nil)

// New builds a Client.
func New(fetcher research.Fetcher, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "parse registry base url")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	rps := cfg.AnonymousRPS
	if cfg.APIToken != "" {
		rps = cfg.RPS
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		fetcher: fetcher,
		quota:   rate.NewLimiter(limit, cfg.Burst),
		logger:  logger,
	}, nil
}

// SearchCompanies returns matches for name in upstream order, following
// pagination up to MaxPages.
func (c *Client) SearchCompanies(ctx context.Context, name, jurisdiction string) ([]research.CompanySummary, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &research.Error{Code: research.CodeClientError, Op: "search companies", Err: eris.New("empty company name")}
	}
	params := map[string]string{"q": name}
	if jurisdiction != "" {
		params["jurisdiction_code"] = jurisdiction
	}

	out := []research.CompanySummary{}
	page := 1
	for fetched := 0; fetched < c.cfg.MaxPages; fetched++ {
		params["page"] = strconv.Itoa(page)
		var results searchResults
		if err := c.get(ctx, "search companies", "companies/search", params, "no companies found", &results); err != nil {
			return nil, err
		}
		for _, item := range results.Companies {
			out = append(out, item.Company.summary())
		}
		next := results.next(page)
		if next <= page {
			break
		}
		page = next
	}
	c.logger.Debug("registry search complete",
		zap.String("query", name),
		zap.String("jurisdiction", jurisdiction),
		zap.Int("results", len(out)),
	)
	return out, nil
}

// GetCompanyDetails fetches a company record with its officers and filings.
// Any of the three requests failing fails the call.
func (c *Client) GetCompanyDetails(ctx context.Context, companyNumber, jurisdiction string) (*research.RegistryResult, error) {
	endpoint, err := companyEndpoint(companyNumber, jurisdiction)
	if err != nil {
		return nil, err
	}

	result := research.NewRegistryResult()
	result.Jurisdiction = jurisdiction

	var (
		company  companyResults
		officers officerResults
		filings  filingResults
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.get(gctx, "company details", endpoint, nil, "company not found", &company)
	})
	g.Go(func() error {
		return c.get(gctx, "company officers", endpoint+"/officers", nil, "company not found", &officers)
	})
	g.Go(func() error {
		return c.get(gctx, "company filings", endpoint+"/filings", nil, "company not found", &filings)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(company.Company) == 0 || string(company.Company) == "null" {
		return nil, parseError("company details", endpoint, eris.New("response has no company"))
	}
	var summary companyJSON
	if err := json.Unmarshal(company.Company, &summary); err != nil {
		return nil, parseError("company details", endpoint, err)
	}
	if err := json.Unmarshal(company.Company, &result.Details); err != nil {
		return nil, parseError("company details", endpoint, err)
	}
	s := summary.summary()
	result.Company = &s

	for _, item := range officers.Officers {
		result.Officers = append(result.Officers, item.Officer.officer())
	}
	for _, item := range filings.Filings {
		f := item.Filing
		result.Filings = append(result.Filings, research.Filing{
			Type:      f.FilingType,
			Date:      f.Date,
			Reference: f.UID,
			Title:     f.Title,
		})
	}
	return result, nil
}

// SearchOfficers returns officers matching name.
func (c *Client) SearchOfficers(ctx context.Context, name, jurisdiction string) ([]research.Officer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &research.Error{Code: research.CodeClientError, Op: "search officers", Err: eris.New("empty officer name")}
	}
	params := map[string]string{"q": name}
	if jurisdiction != "" {
		params["jurisdiction_code"] = jurisdiction
	}
	var results officerResults
	if err := c.get(ctx, "search officers", "officers/search", params, "no officers found", &results); err != nil {
		return nil, err
	}
	out := make([]research.Officer, 0, len(results.Officers))
	for _, item := range results.Officers {
		out = append(out, item.Officer.officer())
	}
	return out, nil
}

// GetCompanyNetwork returns the raw relationship network of a company.
func (c *Client) GetCompanyNetwork(ctx context.Context, companyNumber, jurisdiction string) (map[string]any, error) {
	endpoint, err := companyEndpoint(companyNumber, jurisdiction)
	if err != nil {
		return nil, err
	}
	var results networkResults
	if err := c.get(ctx, "company network", endpoint+"/network", nil, "company not found", &results); err != nil {
		return nil, err
	}
	if results.Network == nil {
		return map[string]any{}, nil
	}
	return results.Network, nil
}

// Research searches for subject.Key and loads the details of the first
// match. No match is an empty, successful result.
func (c *Client) Research(ctx context.Context, subject research.Subject) (*research.RegistryResult, error) {
	candidates, err := c.SearchCompanies(ctx, subject.Key, subject.Jurisdiction)
	if err != nil {
		return nil, err
	}
	result := research.NewRegistryResult()
	result.Query = subject.Key
	result.Jurisdiction = subject.Jurisdiction
	result.Candidates = candidates
	if len(candidates) == 0 {
		return result, nil
	}

	first := candidates[0]
	details, err := c.GetCompanyDetails(ctx, first.CompanyNumber, first.JurisdictionCode)
	if err != nil {
		return nil, err
	}
	result.Company = details.Company
	result.Details = details.Details
	result.Officers = details.Officers
	result.Filings = details.Filings
	return result, nil
}

// get performs one API call and decodes the "results" member into out.
func (c *Client) get(ctx context.Context, op, endpoint string, params map[string]string, notFound string, out any) error {
	if err := c.quota.Wait(ctx); err != nil {
		return &research.Error{Code: research.CodeFetchFailed, Op: op, URL: endpoint, Err: eris.Wrap(err, "registry quota")}
	}

	query := make(map[string]string, len(params)+1)
	for k, v := range params {
		query[k] = v
	}
	if c.cfg.APIToken != "" {
		query["api_token"] = c.cfg.APIToken
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return &research.Error{Code: research.CodeClientError, Op: op, URL: endpoint, Err: eris.Wrap(err, "build registry url")}
	}
	target := c.base.ResolveReference(ref)

	resp, err := c.fetcher.Fetch(ctx, target.String(), research.FetchOptions{
		Headers: map[string]string{"Accept": "application/json"},
		Query:   query,
	})
	if err != nil {
		return c.upstreamError(op, endpoint, notFound, err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return parseError(op, endpoint, err)
	}
	if len(env.Results) == 0 || string(env.Results) == "null" {
		if msg := errorMessage(resp.Body); msg != "" {
			return &research.Error{Code: research.CodeClientError, Op: op, URL: endpoint, Status: resp.StatusCode, Err: eris.New(msg)}
		}
		return parseError(op, endpoint, eris.New("response has no results"))
	}
	if err := json.Unmarshal(env.Results, out); err != nil {
		return parseError(op, endpoint, err)
	}
	return nil
}

// upstreamError keeps the fetch classification but replaces the message with
// the upstream error envelope and drops the request URL so the token never
// reaches task records.
func (c *Client) upstreamError(op, endpoint, notFound string, err error) error {
	code := research.CodeOf(err)
	status := 0
	var body []byte
	var classified *research.Error
	if errors.As(err, &classified) {
		status = classified.Status
		body = classified.Body
	}

	msg := errorMessage(body)
	switch {
	case msg != "":
	case status == http.StatusNotFound:
		msg = notFound
	case status != 0:
		msg = strings.ToLower(http.StatusText(status))
	default:
		msg = c.redact(err.Error())
	}
	return &research.Error{Code: code, Op: op, URL: endpoint, Status: status, Err: eris.New(msg)}
}

func (c *Client) redact(s string) string {
	if c.cfg.APIToken == "" {
		return s
	}
	return strings.ReplaceAll(s, c.cfg.APIToken, "REDACTED")
}

func companyEndpoint(companyNumber, jurisdiction string) (string, error) {
	companyNumber = strings.TrimSpace(companyNumber)
	jurisdiction = strings.TrimSpace(jurisdiction)
	if companyNumber == "" || jurisdiction == "" {
		return "", &research.Error{
			Code: research.CodeClientError,
			Op:   "company details",
			Err:  eris.New("company number and jurisdiction are required"),
		}
	}
	return "companies/" + url.PathEscape(jurisdiction) + "/" + url.PathEscape(companyNumber), nil
}

func parseError(op, endpoint string, err error) error {
	return &research.Error{Code: research.CodeParseError, Op: op, URL: endpoint, Err: eris.Wrap(err, "decode registry response")}
}
