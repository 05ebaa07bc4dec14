package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
)

func decodeBody[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v (body %q)", err, resp.Body.String())
	}
	return out
}

func adminRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Admin-Token", testAdminToken)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestHTTPAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.newRouter()

	if resp := doRequest(t, h, http.MethodGet, "/api/v1/domains", "", ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	if resp := doRequest(t, h, http.MethodGet, "/api/v1/domains", "nope", ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", resp.Code)
	}

	_, token := newTestUser(t, s, "auth@example.org")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/domains", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", resp.Code)
	}
}

func TestHTTPHealth(t *testing.T) {
	s, _ := newTestServer(t)
	resp := doRequest(t, s.newRouter(), http.MethodGet, "/healthz", "", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	out := decodeBody[map[string]any](t, resp)
	if out["backend"] != "memory" {
		t.Fatalf("backend = %v", out["backend"])
	}
}

func TestHTTPDomainLifecycle(t *testing.T) {
	s, ns := newTestServer(t)
	h := s.newRouter()
	_, token := newTestUser(t, s, "owner@example.org")

	resp := doRequest(t, h, http.MethodPost, "/api/v1/domains", token, `{"name":"Example.COM"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", resp.Code, resp.Body.String())
	}
	created := decodeBody[domainView](t, resp)
	if created.Name != "example.com" || created.MinimumTTL != 3600 || created.Published == nil {
		t.Fatalf("unexpected domain view: %+v", created)
	}
	if got := zoneRecords(t, ns, "example.com", "example.com", "NS"); !reflect.DeepEqual(got, []string{"ns1.example.net.", "ns2.example.net."}) {
		t.Fatalf("apex NS = %v", got)
	}

	resp = doRequest(t, h, http.MethodPost, "/api/v1/domains", token, `{"name":"example.com"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate, got %d", resp.Code)
	}

	resp = doRequest(t, h, http.MethodGet, "/api/v1/domains", token, "")
	if list := decodeBody[[]domainView](t, resp); len(list) != 1 || list[0].Name != "example.com" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if resp := doRequest(t, h, http.MethodGet, "/api/v1/domains/example.com", token, ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	for i := 0; i < 2; i++ {
		if resp := doRequest(t, h, http.MethodDelete, "/api/v1/domains/example.com", token, ""); resp.Code != http.StatusNoContent {
			t.Fatalf("delete %d: expected 204, got %d", i, resp.Code)
		}
	}
	if names := ns.zoneNames(); len(names) != 0 {
		t.Fatalf("zones still served: %v", names)
	}
	if resp := doRequest(t, h, http.MethodGet, "/api/v1/domains/example.com", token, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.Code)
	}
}

func TestHTTPDomainPolicy(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.newRouter()
	alice, aliceToken := newTestUser(t, s, "alice@example.org")
	_, bobToken := newTestUser(t, s, "bob@example.org")
	mustCreateDomain(t, s, alice, "alice.example", false)

	tests := []struct {
		name  string
		token string
		body  string
		code  int
	}{
		{name: "foreign subdomain", token: bobToken, body: `{"name":"sub.alice.example"}`, code: http.StatusBadRequest},
		{name: "own subdomain", token: aliceToken, body: `{"name":"sub.alice.example"}`, code: http.StatusCreated},
		{name: "invalid name", token: aliceToken, body: `{"name":"-bad-.example"}`, code: http.StatusBadRequest},
		{name: "single label", token: aliceToken, body: `{"name":"localhost"}`, code: http.StatusBadRequest},
		{name: "local public suffix", token: bobToken, body: `{"name":"dedyn.test"}`, code: http.StatusBadRequest},
		{name: "owner field", token: bobToken, body: `{"name":"bob.example","owner":"x"}`, code: http.StatusBadRequest},
		{name: "local child without parent", token: bobToken, body: `{"name":"bob.dedyn.test"}`, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, h, http.MethodPost, "/api/v1/domains", tt.token, tt.body)
			if resp.Code != tt.code {
				t.Fatalf("expected %d, got %d %s", tt.code, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestHTTPDomainLimit(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.newRouter()

	resp, err := s.createUser(testContext(s), createUserRequest{Email: "limited@example.org", LimitDomains: 1})
	if err != nil {
		t.Fatalf("createUser: %v", err)
	}
	if r := doRequest(t, h, http.MethodPost, "/api/v1/domains", resp.Token, `{"name":"one.example"}`); r.Code != http.StatusCreated {
		t.Fatalf("first domain: %d %s", r.Code, r.Body.String())
	}
	r := doRequest(t, h, http.MethodPost, "/api/v1/domains", resp.Token, `{"name":"two.example"}`)
	if r.Code != http.StatusForbidden || !strings.Contains(r.Body.String(), "domain-limit") {
		t.Fatalf("expected 403 domain-limit, got %d %s", r.Code, r.Body.String())
	}
}

func TestHTTPRRsetCRUD(t *testing.T) {
	s, ns := newTestServer(t)
	h := s.newRouter()
	u, token := newTestUser(t, s, "owner@example.org")
	mustCreateDomain(t, s, u, "example.com", false)

	resp := doRequest(t, h, http.MethodPost, "/api/v1/domains/example.com/rrsets", token,
		`{"subname":"www","type":"a","ttl":3600,"records":["192.0.2.1"]}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.Code, resp.Body.String())
	}
	view := decodeBody[rrsetView](t, resp)
	if view.Name != "www.example.com." || view.Type != "A" || !reflect.DeepEqual(view.Records, []string{"192.0.2.1"}) {
		t.Fatalf("unexpected view: %+v", view)
	}
	if got := zoneRecords(t, ns, "example.com", "www.example.com", "A"); !reflect.DeepEqual(got, []string{"192.0.2.1"}) {
		t.Fatalf("served A = %v", got)
	}

	resp = doRequest(t, h, http.MethodPatch, "/api/v1/domains/example.com/rrsets/www/A", token, `{"records":["192.0.2.2","192.0.2.3"]}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", resp.Code, resp.Body.String())
	}
	if view := decodeBody[rrsetView](t, resp); view.TTL != 3600 || len(view.Records) != 2 {
		t.Fatalf("patch should keep ttl: %+v", view)
	}

	resp = doRequest(t, h, http.MethodPut, "/api/v1/domains/example.com/rrsets/@/TXT", token, `{"ttl":7200,"records":["\"v=spf1 -all\""]}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("put: %d %s", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, h, http.MethodGet, "/api/v1/domains/example.com/rrsets?type=TXT", token, "")
	if list := decodeBody[[]rrsetView](t, resp); len(list) != 1 || list[0].Subname != "" {
		t.Fatalf("filtered list: %+v", list)
	}
	resp = doRequest(t, h, http.MethodGet, "/api/v1/domains/example.com/rrsets/@/NS", token, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("apex NS: %d", resp.Code)
	}

	resp = doRequest(t, h, http.MethodPut, "/api/v1/domains/example.com/rrsets/www/A", token, `{"records":[]}`)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("put empty: %d %s", resp.Code, resp.Body.String())
	}
	if got := zoneRecords(t, ns, "example.com", "www.example.com", "A"); got != nil {
		t.Fatalf("A still served: %v", got)
	}

	for i := 0; i < 2; i++ {
		resp = doRequest(t, h, http.MethodDelete, "/api/v1/domains/example.com/rrsets/@/TXT", token, "")
		if resp.Code != http.StatusNoContent {
			t.Fatalf("delete %d: %d %s", i, resp.Code, resp.Body.String())
		}
	}
	if resp := doRequest(t, h, http.MethodGet, "/api/v1/domains/example.com/rrsets/@/TXT", token, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestHTTPRRsetValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.newRouter()
	u, token := newTestUser(t, s, "owner@example.org")
	other, _ := newTestUser(t, s, "other@example.org")
	mustCreateDomain(t, s, u, "example.com", false)
	mustCreateDomain(t, s, other, "other.example", false)

	if resp := doRequest(t, h, http.MethodPost, "/api/v1/domains/example.com/rrsets", token,
		`{"subname":"alias","type":"CNAME","ttl":3600,"records":["target.example.org."]}`); resp.Code != http.StatusCreated {
		t.Fatalf("cname: %d %s", resp.Code, resp.Body.String())
	}

	tests := []struct {
		name   string
		target string
		body   string
		code   int
	}{
		{name: "restricted type", target: "/api/v1/domains/example.com/rrsets", body: `{"subname":"","type":"SOA","ttl":3600,"records":["a. b. 1 2 3 4 5"]}`, code: http.StatusForbidden},
		{name: "apex NS", target: "/api/v1/domains/example.com/rrsets", body: `{"subname":"","type":"NS","ttl":3600,"records":["ns.example.org."]}`, code: http.StatusForbidden},
		{name: "ttl below minimum", target: "/api/v1/domains/example.com/rrsets", body: `{"subname":"x","type":"A","ttl":60,"records":["192.0.2.1"]}`, code: http.StatusBadRequest},
		{name: "ttl above maximum", target: "/api/v1/domains/example.com/rrsets", body: `{"subname":"x","type":"A","ttl":9999999,"records":["192.0.2.1"]}`, code: http.StatusBadRequest},
		{name: "missing ttl", target: "/api/v1/domains/example.com/rrsets", body: `{"subname":"x","type":"A","records":["192.0.2.1"]}`, code: http.StatusBadRequest},
		{name: "bad record", target: "/api/v1/domains/example.com/rrsets", body: `{"subname":"x","type":"A","ttl":3600,"records":["300.1.1.1"]}`, code: http.StatusBadRequest},
		{name: "unknown type", target: "/api/v1/domains/example.com/rrsets", body: `{"subname":"x","type":"BOGUS","ttl":3600,"records":["x"]}`, code: http.StatusBadRequest},
		{name: "bad subname", target: "/api/v1/domains/example.com/rrsets", body: `{"subname":"a b","type":"A","ttl":3600,"records":["192.0.2.1"]}`, code: http.StatusBadRequest},
		{name: "cname conflict", target: "/api/v1/domains/example.com/rrsets", body: `{"subname":"alias","type":"A","ttl":3600,"records":["192.0.2.1"]}`, code: http.StatusBadRequest},
		{name: "duplicate in batch", target: "/api/v1/domains/example.com/rrsets", body: `[{"subname":"d","type":"A","ttl":3600,"records":["192.0.2.1"]},{"subname":"d","type":"A","ttl":3600,"records":["192.0.2.2"]}]`, code: http.StatusBadRequest},
		{name: "empty create", target: "/api/v1/domains/example.com/rrsets", body: `{"subname":"e","type":"A","ttl":3600,"records":[]}`, code: http.StatusBadRequest},
		{name: "unknown field", target: "/api/v1/domains/example.com/rrsets", body: `{"subname":"x","type":"A","ttl":3600,"records":["192.0.2.1"],"extra":1}`, code: http.StatusBadRequest},
		{name: "foreign domain", target: "/api/v1/domains/other.example/rrsets", body: `{"subname":"x","type":"A","ttl":3600,"records":["192.0.2.1"]}`, code: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, h, http.MethodPost, tt.target, token, tt.body)
			if resp.Code != tt.code {
				t.Fatalf("expected %d, got %d %s", tt.code, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestHTTPConcurrentCreateConflict(t *testing.T) {
	s, ns := newTestServer(t)
	h := s.newRouter()
	u, token := newTestUser(t, s, "owner@example.org")
	mustCreateDomain(t, s, u, "example.com", false)

	bodies := []string{
		`{"subname":"race","type":"A","ttl":3600,"records":["192.0.2.1"]}`,
		`{"subname":"race","type":"A","ttl":3600,"records":["192.0.2.2","192.0.2.3"]}`,
	}
	codes := make([]int, len(bodies))
	retryAfter := make([]string, len(bodies))
	var wg sync.WaitGroup
	for i, body := range bodies {
		wg.Add(1)
		go func(i int, body string) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/domains/example.com/rrsets", strings.NewReader(body))
			req.Header.Set("Authorization", "Token "+token)
			req.Header.Set("Content-Type", "application/json")
			resp := httptest.NewRecorder()
			h.ServeHTTP(resp, req)
			codes[i] = resp.Code
			retryAfter[i] = resp.Header().Get("Retry-After")
		}(i, body)
	}
	wg.Wait()

	sorted := append([]int(nil), codes...)
	sort.Ints(sorted)
	// The loser is rejected by the existence check when the winner committed
	// first, and by the unique index when both got past it.
	if sorted[0] != http.StatusCreated || (sorted[1] != http.StatusBadRequest && sorted[1] != http.StatusTooManyRequests) {
		t.Fatalf("expected one 201 and one 400 or 429, got %v", codes)
	}
	winner := 0
	if codes[1] == http.StatusCreated {
		winner = 1
	}
	if loser := 1 - winner; (codes[loser] == http.StatusTooManyRequests) != (retryAfter[loser] != "") {
		t.Fatalf("Retry-After %q does not match status %d", retryAfter[loser], codes[loser])
	}

	want := [][]string{{"192.0.2.1"}, {"192.0.2.2", "192.0.2.3"}}[winner]
	d, err := s.persist.domainByName(testContext(s), "example.com")
	if err != nil {
		t.Fatalf("domainByName: %v", err)
	}
	m, err := s.persist.getRRset(testContext(s), d.ID, "race", "A")
	if err != nil {
		t.Fatalf("getRRset: %v", err)
	}
	got := make([]string, 0, len(m.Records))
	for _, r := range m.Records {
		got = append(got, r.Content)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("stored records %v, want exactly the winner's %v", got, want)
	}
	if served := zoneRecords(t, ns, "example.com", "race.example.com", "A"); !reflect.DeepEqual(served, want) {
		t.Fatalf("served records %v, want %v", served, want)
	}
}

func TestHTTPCreateExistingRRsetIsInvalid(t *testing.T) {
	s, ns := newTestServer(t)
	h := s.newRouter()
	u, token := newTestUser(t, s, "owner@example.org")
	mustCreateDomain(t, s, u, "example.com", false)

	body := `{"subname":"www","type":"A","ttl":3600,"records":["192.0.2.1"]}`
	if resp := doRequest(t, h, http.MethodPost, "/api/v1/domains/example.com/rrsets", token, body); resp.Code != http.StatusCreated {
		t.Fatalf("first create: %d %s", resp.Code, resp.Body.String())
	}
	writes := ns.writes("example.com")

	resp := doRequest(t, h, http.MethodPost, "/api/v1/domains/example.com/rrsets", token,
		`{"subname":"www","type":"A","ttl":3600,"records":["192.0.2.2"]}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("repeated create: expected 400, got %d %s", resp.Code, resp.Body.String())
	}
	if got := resp.Header().Get("Retry-After"); got != "" {
		t.Fatalf("validation failure must not ask for a retry, Retry-After=%q", got)
	}
	if e := decodeBody[errorBody](t, resp); e.Code != "invalid" {
		t.Fatalf("unexpected error body: %+v", e)
	}
	if got := ns.writes("example.com"); got != writes {
		t.Fatalf("rejected create reached the nameserver: writes %d -> %d", writes, got)
	}
	if served := zoneRecords(t, ns, "example.com", "www.example.com", "A"); !reflect.DeepEqual(served, []string{"192.0.2.1"}) {
		t.Fatalf("served records %v", served)
	}
}

// Two creates that both pass validation before either commits: the unique
// index turns the second insert into a concurrency conflict.
func TestCreateRaceAfterValidationIsConflict(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := testContext(s)
	u, _ := newTestUser(t, s, "owner@example.org")
	d := mustCreateDomain(t, s, u, "example.com", false)

	first := []rrset{{Subname: "race", Type: "A", TTL: 3600, Records: []string{"192.0.2.1"}}}
	second := []rrset{{Subname: "race", Type: "A", TTL: 3600, Records: []string{"192.0.2.2"}}}
	for _, sets := range [][]rrset{first, second} {
		if err := s.checkRRsets(ctx, d, sets, batchCreate); err != nil {
			t.Fatalf("checkRRsets: %v", err)
		}
	}

	apply := func(sets []rrset) error {
		return s.newTracker().track(ctx, func(ctx context.Context) error {
			_, err := applyRRsets(ctx, s.persist, d, sets, writeCreate)
			return err
		})
	}
	if err := apply(first); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	err := apply(second)
	if !errors.Is(err, errConcurrencyConflict) {
		t.Fatalf("expected errConcurrencyConflict, got %v", err)
	}
	if code, _ := errorStatus(err); code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", code)
	}
}

func TestHTTPBulkPutReplacesUserRRsets(t *testing.T) {
	s, ns := newTestServer(t)
	h := s.newRouter()
	u, token := newTestUser(t, s, "owner@example.org")
	mustCreateDomain(t, s, u, "example.com", false)

	resp := doRequest(t, h, http.MethodPost, "/api/v1/domains/example.com/rrsets", token,
		`[{"subname":"www","type":"A","ttl":3600,"records":["192.0.2.1"]},{"subname":"","type":"TXT","ttl":3600,"records":["\"hello\""]}]`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("bulk create: %d %s", resp.Code, resp.Body.String())
	}
	if list := decodeBody[[]rrsetView](t, resp); len(list) != 2 {
		t.Fatalf("expected 2 created, got %+v", list)
	}

	resp = doRequest(t, h, http.MethodPut, "/api/v1/domains/example.com/rrsets", token,
		`[{"subname":"","type":"MX","ttl":3600,"records":["10 mail.example.com."]}]`)
	if resp.Code != http.StatusOK {
		t.Fatalf("bulk put: %d %s", resp.Code, resp.Body.String())
	}

	if got := zoneRecords(t, ns, "example.com", "www.example.com", "A"); got != nil {
		t.Fatalf("www A should be gone, got %v", got)
	}
	if got := zoneRecords(t, ns, "example.com", "example.com", "TXT"); got != nil {
		t.Fatalf("TXT should be gone, got %v", got)
	}
	if got := zoneRecords(t, ns, "example.com", "example.com", "MX"); !reflect.DeepEqual(got, []string{"10 mail.example.com."}) {
		t.Fatalf("MX = %v", got)
	}
	if got := zoneRecords(t, ns, "example.com", "example.com", "NS"); len(got) != 2 {
		t.Fatalf("apex NS must survive a bulk put, got %v", got)
	}
}

func TestHTTPBulkPatchKeepsUnlistedRRsets(t *testing.T) {
	s, ns := newTestServer(t)
	h := s.newRouter()
	u, token := newTestUser(t, s, "owner@example.org")
	mustCreateDomain(t, s, u, "example.com", false)

	resp := doRequest(t, h, http.MethodPost, "/api/v1/domains/example.com/rrsets", token,
		`[{"subname":"a","type":"A","ttl":3600,"records":["192.0.2.1"]},{"subname":"b","type":"A","ttl":3600,"records":["192.0.2.2"]}]`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("bulk create: %d %s", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, h, http.MethodPatch, "/api/v1/domains/example.com/rrsets", token,
		`[{"subname":"a","type":"A","records":[]},{"subname":"b","type":"A","ttl":7200}]`)
	if resp.Code != http.StatusOK {
		t.Fatalf("bulk patch: %d %s", resp.Code, resp.Body.String())
	}

	if got := zoneRecords(t, ns, "example.com", "a.example.com", "A"); got != nil {
		t.Fatalf("a should be deleted, got %v", got)
	}
	z, err := ns.GetZone(testContext(s), "example.com")
	if err != nil {
		t.Fatalf("GetZone: %v", err)
	}
	for _, set := range z.RRsets {
		if set.Name == "b.example.com." && set.Type == "A" {
			if set.TTL != 7200 || !reflect.DeepEqual(set.Records, []string{"192.0.2.2"}) {
				t.Fatalf("b = %+v", set)
			}
			return
		}
	}
	t.Fatal("b.example.com A missing")
}

func TestHTTPSyncFailureLeavesChangePending(t *testing.T) {
	s, ns := newTestServer(t)
	h := s.newRouter()
	u, token := newTestUser(t, s, "owner@example.org")
	mustCreateDomain(t, s, u, "example.com", false)

	ns.failZone("example.com", errors.New("nameserver unreachable"))
	resp := doRequest(t, h, http.MethodPost, "/api/v1/domains/example.com/rrsets", token,
		`{"subname":"www","type":"A","ttl":3600,"records":["192.0.2.1"]}`)
	if resp.Code != http.StatusBadGateway || !strings.Contains(resp.Body.String(), "sync-pending") {
		t.Fatalf("expected 502 sync-pending, got %d %s", resp.Code, resp.Body.String())
	}

	if resp := doRequest(t, h, http.MethodGet, "/api/v1/domains/example.com/rrsets/www/A", token, ""); resp.Code != http.StatusOK {
		t.Fatalf("change should be stored, got %d", resp.Code)
	}
	resp = adminRequest(t, h, http.MethodGet, "/api/v1/admin/domains/pending", "")
	if list := decodeBody[[]domainView](t, resp); len(list) != 1 || list[0].Name != "example.com" {
		t.Fatalf("pending = %+v", list)
	}

	resp = adminRequest(t, h, http.MethodPost, "/api/v1/admin/domains/example.com/sync", "")
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 while still failing, got %d", resp.Code)
	}

	ns.failZone("example.com", nil)
	resp = adminRequest(t, h, http.MethodPost, "/api/v1/admin/domains/example.com/sync", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("resync: %d %s", resp.Code, resp.Body.String())
	}
	if got := zoneRecords(t, ns, "example.com", "www.example.com", "A"); !reflect.DeepEqual(got, []string{"192.0.2.1"}) {
		t.Fatalf("served A = %v", got)
	}
	resp = adminRequest(t, h, http.MethodGet, "/api/v1/admin/domains/pending", "")
	if list := decodeBody[[]domainView](t, resp); len(list) != 0 {
		t.Fatalf("still pending: %+v", list)
	}
}

func TestHTTPAdminSyncOfDeletedDomain(t *testing.T) {
	s, ns := newTestServer(t)
	h := s.newRouter()

	if err := ns.CreateZone(testContext(s), "orphan.example", nil); err != nil {
		t.Fatalf("CreateZone: %v", err)
	}
	resp := adminRequest(t, h, http.MethodPost, "/api/v1/admin/domains/orphan.example/sync", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("sync: %d %s", resp.Code, resp.Body.String())
	}
	if out := decodeBody[map[string]any](t, resp); out["deleted"] != true {
		t.Fatalf("unexpected body: %v", out)
	}
	if names := ns.zoneNames(); len(names) != 0 {
		t.Fatalf("orphan zone still served: %v", names)
	}
}

func TestHTTPAdminAPI(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.newRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/domains/pending", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong admin token, got %d", resp.Code)
	}

	resp = adminRequest(t, h, http.MethodPost, "/api/v1/admin/users", `{"email":"New@Example.org","token_name":"laptop"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", resp.Code, resp.Body.String())
	}
	user := decodeBody[createUserResponse](t, resp)
	if user.Email != "new@example.org" || user.Token == "" || user.ID == "" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if resp := adminRequest(t, h, http.MethodPost, "/api/v1/admin/users", `{"email":"new@example.org"}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate email, got %d", resp.Code)
	}

	if resp := doRequest(t, h, http.MethodGet, "/api/v1/domains", user.Token, ""); resp.Code != http.StatusOK {
		t.Fatalf("new token rejected: %d", resp.Code)
	}

	if resp := adminRequest(t, h, http.MethodPost, "/api/v1/admin/domains", `{"name":"dedyn.test"}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without owner, got %d", resp.Code)
	}
	if resp := adminRequest(t, h, http.MethodPost, "/api/v1/admin/domains", `{"name":"dedyn.test","owner":"missing"}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown owner, got %d", resp.Code)
	}
	resp = adminRequest(t, h, http.MethodPost, "/api/v1/admin/domains", `{"name":"dedyn.test","owner":"`+user.ID+`"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("admin create domain: %d %s", resp.Code, resp.Body.String())
	}
}

func TestHTTPAdminDisabledWithoutToken(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.AdminToken = ""

	resp := adminRequest(t, s.newRouter(), http.MethodGet, "/api/v1/admin/domains/pending", "")
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestHTTPBlockedSubnetRejectsLocalDomainAddresses(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.newRouter()
	operator, _ := newTestUser(t, s, "operator@example.org")
	u, token := newTestUser(t, s, "alice@example.org")
	mustCreateDomain(t, s, operator, "dedyn.test", true)
	mustCreateDomain(t, s, u, "alice.dedyn.test", false)
	mustCreateDomain(t, s, u, "alice.example", false)

	resp := adminRequest(t, h, http.MethodPost, "/api/v1/admin/blocked-subnets", `{"subnet":"198.51.100.7/24","asn":64500}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("block: %d %s", resp.Code, resp.Body.String())
	}
	if b := decodeBody[blockedSubnetModel](t, resp); b.Subnet != "198.51.100.0/24" || b.ASN != 64500 {
		t.Fatalf("unexpected blocked subnet: %+v", b)
	}

	resp = doRequest(t, h, http.MethodPost, "/api/v1/domains/alice.dedyn.test/rrsets", token,
		`{"subname":"","type":"A","ttl":60,"records":["198.51.100.20"]}`)
	if resp.Code != http.StatusBadRequest || !strings.Contains(resp.Body.String(), "not allowed") {
		t.Fatalf("expected blocked address rejection, got %d %s", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, h, http.MethodPost, "/api/v1/domains/alice.example/rrsets", token,
		`{"subname":"","type":"A","ttl":3600,"records":["198.51.100.20"]}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("non-local domain should accept the address, got %d %s", resp.Code, resp.Body.String())
	}

	resp = adminRequest(t, h, http.MethodGet, "/api/v1/admin/blocked-subnets", "")
	if list := decodeBody[[]blockedSubnetModel](t, resp); len(list) != 1 {
		t.Fatalf("blocked subnets = %+v", list)
	}
}
