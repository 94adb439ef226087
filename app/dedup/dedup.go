// Package dedup decides whether a discovered posting is new or a re-discovery
// of something already tracked, and merges re-discoveries without losing
// curated work. Identity is a fingerprint: the normalized link when there is
// one, company+title otherwise.
package dedup

import (
	"net/url"
	"sort"
	"strings"

	"github.com/jobhound/jobhound/app/store"
)

// Candidate is a discovered posting before it becomes a tracked job.
// The shape is shared by search results, journal entries and spool files.
type Candidate struct {
	Company         string `json:"company"`
	Title           string `json:"title"`
	Location        string `json:"location,omitempty"`
	Link            string `json:"link,omitempty"`
	Description     string `json:"description,omitempty"`
	FullDescription bool   `json:"full_description,omitempty"`
	Addressee       string `json:"addressee,omitempty"`
}

// Job converts the candidate into a fresh job record for the given user.
func (c Candidate) Job(username string) store.Job {
	return store.Job{
		Username:        username,
		Company:         strings.TrimSpace(c.Company),
		Title:           strings.TrimSpace(c.Title),
		Location:        strings.TrimSpace(c.Location),
		Link:            strings.TrimSpace(c.Link),
		Description:     c.Description,
		FullDescription: c.FullDescription,
		Addressee:       strings.TrimSpace(c.Addressee),
	}
}

// String makes a short human-readable name for logs and progress events.
func (c Candidate) String() string {
	res := c.Title
	if c.Company != "" {
		res += " at " + c.Company
	}
	if res == "" {
		res = c.Link
	}
	return res
}

// trackingParams are query parameters that vary per click without changing
// the posting behind the link.
var trackingParams = map[string]struct{}{
	"gclid": {}, "fbclid": {}, "msclkid": {}, "mc_cid": {}, "mc_eid": {}, "mkt_tok": {},
}

// Matcher computes identity fingerprints. The zero value strips the default
// tracking params; ExtraParams adds site-specific ones on top.
type Matcher struct {
	ExtraParams []string // extra query params stripped before comparison
}

// NormalizeLink canonicalizes a posting URL: lowercase scheme and host, no
// fragment, no default port, tracking params stripped, remaining query
// parameters sorted, no trailing slash. Values that don't parse as an
// absolute URL are returned trimmed and lowercased.
func (m Matcher) NormalizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, defaultPort(u.Scheme))
	u.Fragment = ""

	q := u.Query()
	for param := range q {
		if m.stripParam(param) {
			q.Del(param)
		}
	}
	if len(q) == 0 {
		u.RawQuery = ""
	} else {
		u.RawQuery = sortedEncode(q)
	}

	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

func (m Matcher) stripParam(param string) bool {
	p := strings.ToLower(param)
	if strings.HasPrefix(p, "utm_") {
		return true
	}
	if _, ok := trackingParams[p]; ok {
		return true
	}
	for _, extra := range m.ExtraParams {
		if p == strings.ToLower(extra) {
			return true
		}
	}
	return false
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return ":80"
	case "https":
		return ":443"
	}
	return ""
}

// sortedEncode renders query values in deterministic key order, repeated
// values kept in their original order.
func sortedEncode(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Fingerprint is the identity key: normalized link when present, otherwise
// lowercased company|title with whitespace collapsed. Empty when nothing
// identifying is known.
func (m Matcher) Fingerprint(company, title, link string) string {
	if l := m.NormalizeLink(link); l != "" {
		return l
	}
	company = collapseWS(strings.ToLower(company))
	title = collapseWS(strings.ToLower(title))
	if company == "" && title == "" {
		return ""
	}
	return company + "|" + title
}

// FingerprintCandidate keys a discovered posting.
func (m Matcher) FingerprintCandidate(c Candidate) string {
	return m.Fingerprint(c.Company, c.Title, c.Link)
}

// FingerprintJob keys a tracked job. Fingerprints are never persisted, they
// are recomputed from the record on demand.
func (m Matcher) FingerprintJob(j store.Job) string {
	return m.Fingerprint(j.Company, j.Title, j.Link)
}

// collapseWS trims and squeezes runs of whitespace into single spaces
func collapseWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Collapse removes in-batch duplicates, keeping first-seen order. Duplicates
// fold into one candidate with the more complete description and blanks
// filled from either copy.
func (m Matcher) Collapse(batch []Candidate) []Candidate {
	res := make([]Candidate, 0, len(batch))
	seen := map[string]int{} // fingerprint -> index in res

	for _, c := range batch {
		fp := m.FingerprintCandidate(c)
		if fp == "" {
			res = append(res, c)
			continue
		}
		if i, ok := seen[fp]; ok {
			res[i] = foldCandidates(res[i], c)
			continue
		}
		seen[fp] = len(res)
		res = append(res, c)
	}
	return res
}

// foldCandidates combines two copies of the same posting, keeping a's spot
func foldCandidates(a, b Candidate) Candidate {
	if moreComplete(b, a) {
		a.Description = b.Description
		a.FullDescription = b.FullDescription
	}
	if a.Company == "" {
		a.Company = b.Company
	}
	if a.Title == "" {
		a.Title = b.Title
	}
	if a.Location == "" {
		a.Location = b.Location
	}
	if a.Link == "" {
		a.Link = b.Link
	}
	if a.Addressee == "" {
		a.Addressee = b.Addressee
	}
	return a
}

// moreComplete reports whether candidate a describes the posting strictly
// better than b: a full text beats a partial one, longer text beats shorter.
func moreComplete(a, b Candidate) bool {
	if a.Description == "" {
		return false
	}
	if a.FullDescription != b.FullDescription {
		return a.FullDescription
	}
	return len(a.Description) > len(b.Description)
}

// Merge folds a re-discovered candidate into an existing job. Blank fields
// fill in, a strictly more complete description replaces the stored one, and
// curated state (fit notes, letter, topics, questions, status, writing style)
// is never touched. Returns the updated record and whether anything changed.
func Merge(j store.Job, c Candidate) (store.Job, bool) {
	res := j

	if v := strings.TrimSpace(c.Company); res.Company == "" && v != "" {
		res.Company = v
	}
	if v := strings.TrimSpace(c.Title); res.Title == "" && v != "" {
		res.Title = v
	}
	if v := strings.TrimSpace(c.Location); res.Location == "" && v != "" {
		res.Location = v
	}
	if v := strings.TrimSpace(c.Link); res.Link == "" && v != "" {
		res.Link = v
	}
	if v := strings.TrimSpace(c.Addressee); res.Addressee == "" && v != "" {
		res.Addressee = v
	}

	if c.Description != "" {
		existing := Candidate{Description: res.Description, FullDescription: res.FullDescription}
		if moreComplete(Candidate{Description: c.Description, FullDescription: c.FullDescription}, existing) {
			res.Description = c.Description
			res.FullDescription = c.FullDescription
		}
	}

	changed := res.Company != j.Company || res.Title != j.Title || res.Location != j.Location ||
		res.Link != j.Link || res.Addressee != j.Addressee || res.Description != j.Description ||
		res.FullDescription != j.FullDescription
	return res, changed
}
