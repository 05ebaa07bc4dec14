package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *server) runHTTP(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.HTTPListen,
		Handler:           s.newRouter(),
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("http listening", "addr", s.cfg.HTTPListen)
	return httpServer.ListenAndServe()
}

func (s *server) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.dynDNSAuthMiddleware)
		r.Get("/update", s.handleDynDNSUpdate)
		r.Get("/nic/update", s.handleDynDNSUpdate)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.apiAuthMiddleware)
			r.Get("/domains", s.handleDomains)
			r.Post("/domains", s.handleCreateDomain)
			r.Get("/domains/{name}", s.handleDomainByName)
			r.Delete("/domains/{name}", s.handleDeleteDomain)

			r.Get("/domains/{name}/rrsets", s.handleRRsets)
			r.Post("/domains/{name}/rrsets", s.handleCreateRRsets)
			r.Put("/domains/{name}/rrsets", s.handleBulkRRsets)
			r.Patch("/domains/{name}/rrsets", s.handleBulkRRsets)
			r.Get("/domains/{name}/rrsets/{subname}/{type}", s.handleRRsetByKey)
			r.Put("/domains/{name}/rrsets/{subname}/{type}", s.handleWriteRRset)
			r.Patch("/domains/{name}/rrsets/{subname}/{type}", s.handleWriteRRset)
			r.Delete("/domains/{name}/rrsets/{subname}/{type}", s.handleDeleteRRset)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuthMiddleware)
			r.Post("/users", s.handleAdminCreateUser)
			r.Post("/domains", s.handleAdminCreateDomain)
			r.Get("/domains/pending", s.handleAdminPending)
			r.Post("/domains/{name}/sync", s.handleAdminSync)
			r.Get("/blocked-subnets", s.handleAdminBlockedSubnets)
			r.Post("/blocked-subnets", s.handleAdminBlockSubnet)
		})
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"backend":    s.syncer.backend.Name(),
		"uptime_sec": int(time.Since(s.start).Seconds()),
	})
}

func (s *server) requestUser(w http.ResponseWriter, r *http.Request) (userModel, bool) {
	u, ok := userFrom(r.Context())
	if !ok {
		s.writeError(w, r, errUnauthorized)
	}
	return u, ok
}

func (s *server) handleDomains(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requestUser(w, r)
	if !ok {
		return
	}
	domains, err := s.persist.domainsByOwner(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]domainView, 0, len(domains))
	for _, d := range domains {
		out = append(out, newDomainView(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requestUser(w, r)
	if !ok {
		return
	}
	var req createDomainRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, invalidf("", "%v", err))
		return
	}
	if req.Owner != "" {
		s.writeError(w, r, invalidf("owner", "only the admin API may set the owner"))
		return
	}

	d, err := s.createDomain(r.Context(), u, req.Name, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDomainView(d))
}

func (s *server) handleDomainByName(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requestUser(w, r)
	if !ok {
		return
	}
	d, err := s.ownedDomain(r.Context(), u, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDomainView(d))
}

func (s *server) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requestUser(w, r)
	if !ok {
		return
	}
	if err := s.deleteDomain(r.Context(), u, chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRRsets(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requestUser(w, r)
	if !ok {
		return
	}
	d, err := s.ownedDomain(r.Context(), u, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sets, err := s.persist.listRRsets(r.Context(), d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	out := make([]rrsetView, 0, len(sets))
	for _, m := range sets {
		if q.Has("subname") && m.Subname != normalizeSubname(q.Get("subname")) {
			continue
		}
		if t := normalizeRecordType(q.Get("type")); t != "" && m.Type != t {
			continue
		}
		out = append(out, newRRsetView(d, m))
	}
	writeJSON(w, http.StatusOK, out)
}

// decodeRRsetRequests accepts a single object or a list of objects and
// reports which one it got.
func decodeRRsetRequests(body io.Reader) ([]rrsetRequest, bool, error) {
	var raw json.RawMessage
	if err := decodeJSON(body, &raw); err != nil {
		return nil, false, invalidf("", "%v", err)
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		var reqs []rrsetRequest
		if err := decodeJSON(bytes.NewReader(raw), &reqs); err != nil {
			return nil, true, invalidf("", "%v", err)
		}
		return reqs, true, nil
	}
	var req rrsetRequest
	if err := decodeJSON(bytes.NewReader(raw), &req); err != nil {
		return nil, false, invalidf("", "%v", err)
	}
	return []rrsetRequest{req}, false, nil
}

func (s *server) handleCreateRRsets(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requestUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	d, err := s.ownedDomain(ctx, u, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reqs, bulk, err := decodeRRsetRequests(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sets := make([]rrset, 0, len(reqs))
	for _, req := range reqs {
		set, err := s.rrsetFromRequest(d, req, nil)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if len(set.Records) == 0 {
			s.writeError(w, r, invalidf("records", "must not be empty"))
			return
		}
		sets = append(sets, set)
	}
	if err := s.checkRRsets(ctx, d, sets, batchCreate); err != nil {
		s.writeError(w, r, err)
		return
	}

	var written []rrsetModel
	err = s.newTracker().track(ctx, func(ctx context.Context) error {
		written, err = applyRRsets(ctx, s.persist, d, sets, writeCreate)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRRsets(w, http.StatusCreated, d, written, bulk)
}

// handleBulkRRsets writes several RRsets at once. PUT makes the body the
// complete set of user-managed RRsets; PATCH only touches what it names.
func (s *server) handleBulkRRsets(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requestUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	d, err := s.ownedDomain(ctx, u, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reqs, _, err := decodeRRsetRequests(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, err := s.persist.listRRsets(ctx, d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index := make(map[rrsetKey]*rrsetModel, len(stored))
	for i := range stored {
		index[rrsetKey{Name: stored[i].Subname, Type: stored[i].Type}] = &stored[i]
	}

	replaceAll := r.Method == http.MethodPut
	sets := make([]rrset, 0, len(reqs))
	for _, req := range reqs {
		var base *rrsetModel
		if !replaceAll && req.Subname != nil {
			base = index[rrsetKey{Name: normalizeSubname(*req.Subname), Type: normalizeRecordType(req.Type)}]
		}
		set, err := s.rrsetFromRequest(d, req, base)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		sets = append(sets, set)
	}
	kind := batchMerge
	if replaceAll {
		kind = batchReplace
	}
	if err := s.checkRRsets(ctx, d, sets, kind); err != nil {
		s.writeError(w, r, err)
		return
	}
	if replaceAll {
		sets = withDeletions(stored, sets)
	}

	var written []rrsetModel
	err = s.newTracker().track(ctx, func(ctx context.Context) error {
		written, err = applyRRsets(ctx, s.persist, d, sets, writeUpsert)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRRsets(w, http.StatusOK, d, written, true)
}

func rrsetKeyFromURL(r *http.Request) (string, string) {
	return normalizeSubname(chi.URLParam(r, "subname")), normalizeRecordType(chi.URLParam(r, "type"))
}

func (s *server) handleRRsetByKey(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requestUser(w, r)
	if !ok {
		return
	}
	d, err := s.ownedDomain(r.Context(), u, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	subname, rtype := rrsetKeyFromURL(r)
	m, err := s.persist.getRRset(r.Context(), d.ID, subname, rtype)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRRsetView(d, m))
}

func (s *server) handleWriteRRset(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requestUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	d, err := s.ownedDomain(ctx, u, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req rrsetRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, invalidf("", "%v", err))
		return
	}
	subname, rtype := rrsetKeyFromURL(r)
	req.Subname, req.Type = &subname, rtype

	var base *rrsetModel
	if r.Method == http.MethodPatch {
		m, err := s.persist.getRRset(ctx, d.ID, subname, rtype)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		base = &m
	}
	set, err := s.rrsetFromRequest(d, req, base)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sets := []rrset{set}
	if err := s.checkRRsets(ctx, d, sets, batchMerge); err != nil {
		s.writeError(w, r, err)
		return
	}

	var written []rrsetModel
	err = s.newTracker().track(ctx, func(ctx context.Context) error {
		written, err = applyRRsets(ctx, s.persist, d, sets, writeUpsert)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(written) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newRRsetView(d, written[0]))
}

func (s *server) handleDeleteRRset(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requestUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	d, err := s.ownedDomain(ctx, u, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	subname, rtype := rrsetKeyFromURL(r)
	if err := checkType(rtype, subname); err != nil {
		s.writeError(w, r, err)
		return
	}

	err = s.newTracker().track(ctx, func(ctx context.Context) error {
		_, err := applyRRsets(ctx, s.persist, d, []rrset{{Subname: subname, Type: rtype}}, writeUpsert)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) writeRRsets(w http.ResponseWriter, code int, d domainModel, sets []rrsetModel, bulk bool) {
	out := make([]rrsetView, 0, len(sets))
	for _, m := range sets {
		out = append(out, newRRsetView(d, m))
	}
	if !bulk && len(out) == 1 {
		writeJSON(w, code, out[0])
		return
	}
	writeJSON(w, code, out)
}

func (s *server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, invalidf("", "%v", err))
		return
	}
	resp, err := s.createUser(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleAdminCreateDomain creates a domain for any user, including the
// local public suffixes users register below.
func (s *server) handleAdminCreateDomain(w http.ResponseWriter, r *http.Request) {
	var req createDomainRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, invalidf("", "%v", err))
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		s.writeError(w, r, invalidf("owner", "this field is required"))
		return
	}
	owner, err := s.persist.userByID(r.Context(), strings.TrimSpace(req.Owner))
	if err != nil {
		if errors.Is(err, errNotFound) {
			err = invalidf("owner", "user %s does not exist", req.Owner)
		}
		s.writeError(w, r, err)
		return
	}

	d, err := s.createDomain(r.Context(), owner, req.Name, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDomainView(d))
}

func (s *server) handleAdminPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.persist.pendingDomains(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]domainView, 0, len(pending))
	for _, d := range pending {
		out = append(out, newDomainView(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAdminSync re-runs synchronization for one domain. A domain that
// no longer exists locally has its zone removed.
func (s *server) handleAdminSync(w http.ResponseWriter, r *http.Request) {
	name := normalizeHostname(chi.URLParam(r, "name"))
	if err := s.syncer.Sync(r.Context(), name); err != nil {
		s.writeError(w, r, &syncError{Domains: []string{name}, Err: err})
		return
	}

	d, err := s.persist.domainByName(r.Context(), name)
	if errors.Is(err, errNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"name": name, "deleted": true})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDomainView(d))
}

func (s *server) handleAdminBlockedSubnets(w http.ResponseWriter, r *http.Request) {
	subnets, err := s.persist.listBlockedSubnets(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subnets)
}

func (s *server) handleAdminBlockSubnet(w http.ResponseWriter, r *http.Request) {
	var req blockSubnetRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, invalidf("", "%v", err))
		return
	}
	b, err := s.blockSubnet(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}
