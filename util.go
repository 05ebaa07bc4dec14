package main

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

func normalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return "."
	}
	return dns.Fqdn(name)
}

func normalizeNames(in []string) []string {
	out := make([]string, 0, len(in))
	for _, name := range in {
		n := normalizeName(name)
		if n == "." {
			continue
		}
		out = append(out, n)
	}
	return out
}

// normalizeHostname returns the lowercase name without trailing dot, the
// form domains are stored and compared in.
func normalizeHostname(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(strings.ToLower(name)), ".")
}

func normalizeRecordType(recordType string) string {
	return strings.ToUpper(strings.TrimSpace(recordType))
}

// fqdnFor joins a subname and a domain into an absolute owner name.
func fqdnFor(subname, domain string) string {
	if subname == "" {
		return normalizeName(domain)
	}
	return normalizeName(subname + "." + domain)
}

// subnameOf strips the domain from an absolute or relative owner name.
func subnameOf(name, domain string) (string, bool) {
	name = normalizeHostname(name)
	domain = normalizeHostname(domain)
	if name == domain {
		return "", true
	}
	if sub, ok := strings.CutSuffix(name, "."+domain); ok && sub != "" {
		return sub, true
	}
	return "", false
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func decodeJSON(r io.Reader, out any) error {
	dec := json.NewDecoder(io.LimitReader(r, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func validToken(r *http.Request, header, expected string) bool {
	tok := strings.TrimSpace(r.Header.Get(header))
	return tok != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(expected)) == 1
}
