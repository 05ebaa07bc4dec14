package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testAdminToken = "admin-token"

func testConfig() config {
	return config{
		HTTPListen:          "127.0.0.1:0",
		AdminToken:          testAdminToken,
		Backend:             "memory",
		BackendTimeout:      2 * time.Second,
		DefaultNS:           []string{"ns1.example.net.", "ns2.example.net."},
		NSGlue:              map[string][]string{},
		LocalPublicSuffixes: []string{"dedyn.test"},
		MinimumTTL:          3600,
		LocalMinimumTTL:     60,
		DynDNSTTL:           60,
		DomainLimit:         15,
		TokenSalt:           "test-salt",
	}
}

func newTestPersistence(t *testing.T) *persistence {
	t.Helper()

	p, err := newPersistence(filepath.Join(t.TempDir(), "zonesync-test.db"))
	if err != nil {
		t.Fatalf("newPersistence: %v", err)
	}
	t.Cleanup(func() { _ = p.close() })
	return p
}

// newTestServer returns a server on a fresh sqlite file and an in-memory
// nameserver.
func newTestServer(t *testing.T) (*server, *memoryNameserver) {
	t.Helper()

	ns := newMemoryNameserver()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := newServer(testConfig(), newTestPersistence(t), ns, logger)
	s.start = time.Now().Add(-time.Second)
	return s, ns
}

func testContext(s *server) context.Context {
	return withLogger(context.Background(), s.log)
}

// newTestUser creates a user and returns it with its token secret.
func newTestUser(t *testing.T, s *server, email string) (userModel, string) {
	t.Helper()

	resp, err := s.createUser(testContext(s), createUserRequest{Email: email})
	if err != nil {
		t.Fatalf("createUser(%s): %v", email, err)
	}
	u, err := s.persist.userByID(testContext(s), resp.ID)
	if err != nil {
		t.Fatalf("userByID: %v", err)
	}
	return u, resp.Token
}

func mustCreateDomain(t *testing.T, s *server, owner userModel, name string, admin bool) domainModel {
	t.Helper()

	d, err := s.createDomain(testContext(s), owner, name, admin)
	if err != nil {
		t.Fatalf("createDomain(%s): %v", name, err)
	}
	return d
}

func doRequest(t *testing.T, h http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

// zoneRecords returns the records the memory nameserver serves for name/type.
func zoneRecords(t *testing.T, ns *memoryNameserver, zone, name, rtype string) []string {
	t.Helper()

	z, err := ns.GetZone(context.Background(), zone)
	if err != nil {
		t.Fatalf("GetZone(%s): %v", zone, err)
	}
	for _, set := range z.RRsets {
		if set.Name == normalizeName(name) && set.Type == rtype {
			return set.Records
		}
	}
	return nil
}
