package registry

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/company-research/internal/research"
)

// envelope is the top-level shape of every response.
type envelope struct {
	Results json.RawMessage `json:"results"`
	Error   json.RawMessage `json:"error"`
}

// errorMessage decodes {"error":{"message":"..."}} or {"error":"..."}.
func errorMessage(body []byte) string {
	var env envelope
	if len(body) == 0 || json.Unmarshal(body, &env) != nil || len(env.Error) == 0 {
		return ""
	}
	var text string
	if json.Unmarshal(env.Error, &text) == nil {
		return strings.TrimSpace(text)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(env.Error, &obj) == nil {
		return strings.TrimSpace(obj.Message)
	}
	return ""
}

type companyJSON struct {
	Name                    string `json:"name"`
	CompanyNumber           string `json:"company_number"`
	JurisdictionCode        string `json:"jurisdiction_code"`
	IncorporationDate       string `json:"incorporation_date"`
	CompanyType             string `json:"company_type"`
	CurrentStatus           string `json:"current_status"`
	RegisteredAddressInFull string `json:"registered_address_in_full"`
	OpencorporatesURL       string `json:"opencorporates_url"`
}

func (c companyJSON) summary() research.CompanySummary {
	return research.CompanySummary{
		Name:              c.Name,
		CompanyNumber:     c.CompanyNumber,
		JurisdictionCode:  c.JurisdictionCode,
		IncorporationDate: c.IncorporationDate,
		CompanyType:       c.CompanyType,
		CurrentStatus:     c.CurrentStatus,
		RegisteredAddress: c.RegisteredAddressInFull,
		RegistryURL:       c.OpencorporatesURL,
	}
}

type searchResults struct {
	Companies []struct {
		Company companyJSON `json:"company"`
	} `json:"companies"`
	Page       int        `json:"page"`
	PerPage    int        `json:"per_page"`
	TotalPages int        `json:"total_pages"`
	TotalCount int        `json:"total_count"`
	NextPage   pageCursor `json:"next_page"`
}

// next returns the page to request after current, or 0 when done.
func (r searchResults) next(current int) int {
	if r.NextPage > 0 {
		return int(r.NextPage)
	}
	page := r.Page
	if page == 0 {
		page = current
	}
	if r.TotalPages > page {
		return page + 1
	}
	return 0
}

// pageCursor accepts a page number, a numeric string or a URL carrying a
// page query parameter.
type pageCursor int

func (p *pageCursor) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*p = 0
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = pageCursor(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*p = 0
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*p = pageCursor(n)
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	n, err = strconv.Atoi(u.Query().Get("page"))
	if err != nil {
		return err
	}
	*p = pageCursor(n)
	return nil
}

type officerJSON struct {
	Name      string `json:"name"`
	Position  string `json:"position"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Company   *struct {
		CompanyNumber    string `json:"company_number"`
		JurisdictionCode string `json:"jurisdiction_code"`
	} `json:"company"`
}

func (o officerJSON) officer() research.Officer {
	out := research.Officer{
		Name:            o.Name,
		Role:            o.Position,
		AppointmentDate: o.StartDate,
		EndDate:         o.EndDate,
	}
	if o.Company != nil {
		out.CompanyNumber = o.Company.CompanyNumber
		out.Jurisdiction = o.Company.JurisdictionCode
	}
	return out
}

type officerResults struct {
	Officers []struct {
		Officer officerJSON `json:"officer"`
	} `json:"officers"`
}

type filingResults struct {
	Filings []struct {
		Filing struct {
			Title      string `json:"title"`
			Date       string `json:"date"`
			FilingType string `json:"filing_type"`
			UID        string `json:"uid"`
		} `json:"filing"`
	} `json:"filings"`
}

type companyResults struct {
	Company json.RawMessage `json:"company"`
}

type networkResults struct {
	Network map[string]any `json:"network"`
}
