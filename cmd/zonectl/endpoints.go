package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// endpoint is a zonesync server zonectl talks to, with its admin token.
type endpoint struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
}

// endpointStore keeps the saved endpoints in a JSON file.
type endpointStore struct {
	mu        sync.RWMutex
	path      string
	endpoints []endpoint
}

func newEndpointStore(path string) (*endpointStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	st := &endpointStore{path: absPath, endpoints: make([]endpoint, 0)}
	if err := st.load(); err != nil {
		return nil, err
	}

	return st, nil
}

func (s *endpointStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var items []endpoint
	if err := json.Unmarshal(b, &items); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}

	s.endpoints = sanitizeEndpoints(items)
	return nil
}

func (s *endpointStore) saveLocked() error {
	data, err := json.MarshalIndent(s.endpoints, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *endpointStore) list() []endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]endpoint, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

func (s *endpointStore) add(name, baseURL, token string) (endpoint, error) {
	e := endpoint{
		ID:      uuid.NewString(),
		Name:    strings.TrimSpace(name),
		BaseURL: sanitizeURL(baseURL),
		Token:   strings.TrimSpace(token),
	}
	if e.Name == "" || e.BaseURL == "" {
		return endpoint{}, fmt.Errorf("endpoint name and url are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cur := range s.endpoints {
		if cur.BaseURL == e.BaseURL || cur.Name == e.Name {
			return endpoint{}, fmt.Errorf("endpoint already exists: %s", e.Name)
		}
	}

	s.endpoints = append(s.endpoints, e)
	sort.Slice(s.endpoints, func(i, j int) bool { return s.endpoints[i].Name < s.endpoints[j].Name })

	return e, s.saveLocked()
}

// remove deletes the endpoint with the given id or name.
func (s *endpointStore) remove(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, e := range s.endpoints {
		if e.ID == ref || e.Name == ref {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("endpoint not found: %s", ref)
	}

	s.endpoints = append(s.endpoints[:idx], s.endpoints[idx+1:]...)
	return s.saveLocked()
}

// pick returns the endpoint named ref, or the first saved one when ref is
// empty.
func (s *endpointStore) pick(ref string) (endpoint, error) {
	eps := s.list()
	if len(eps) == 0 {
		return endpoint{}, fmt.Errorf("no endpoints configured, run: zonectl endpoint add NAME URL --token TOKEN")
	}
	if ref == "" {
		return eps[0], nil
	}
	for _, e := range eps {
		if e.ID == ref || e.Name == ref {
			return e, nil
		}
	}
	return endpoint{}, fmt.Errorf("endpoint not found: %s", ref)
}

func sanitizeEndpoints(items []endpoint) []endpoint {
	out := make([]endpoint, 0, len(items))
	seen := map[string]struct{}{}
	for _, e := range items {
		e.Name = strings.TrimSpace(e.Name)
		e.ID = strings.TrimSpace(e.ID)
		e.BaseURL = sanitizeURL(e.BaseURL)
		e.Token = strings.TrimSpace(e.Token)
		if e.ID == "" || e.Name == "" || e.BaseURL == "" {
			continue
		}
		if _, ok := seen[e.BaseURL]; ok {
			continue
		}
		seen[e.BaseURL] = struct{}{}
		out = append(out, e)
	}
	return out
}

func sanitizeURL(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimRight(v, "/")
	return v
}
