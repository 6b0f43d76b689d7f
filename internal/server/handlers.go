package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/lifecycle"
	"github.com/wolfeidau/keyforge/internal/pki"
)

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	group, err := req.group()
	if err != nil {
		writeError(w, r, err)
		return
	}

	created, err := s.engine.Groups.Create(r.Context(), group)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.engine.Groups.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.engine.Groups.Get(r.Context(), r.PathValue("code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) updateGroup(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	var req GroupRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if req.GroupCode == "" {
		req.GroupCode = code
	}
	if req.GroupCode != code {
		writeError(w, r, errdefs.Invalid("groupCode", errdefs.CodeInvalidGroupCode,
			"groupCode %q does not match path %q", req.GroupCode, code))
		return
	}

	group, err := req.group()
	if err != nil {
		writeError(w, r, err)
		return
	}

	updated, err := s.engine.Groups.Update(r.Context(), group)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Groups.Delete(r.Context(), r.PathValue("code")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) issueUnderGroup(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	opts, err := req.options()
	if err != nil {
		writeError(w, r, err)
		return
	}

	cert, err := s.engine.Issuance.IssueUnderGroup(r.Context(), r.PathValue("code"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, cert)
}

func (s *Server) listGroupCertificates(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	// an unknown group is a 404 rather than an empty list
	if _, err := s.engine.Groups.Get(r.Context(), code); err != nil {
		writeError(w, r, err)
		return
	}

	certs, err := s.engine.Registry.ListByGroup(r.Context(), code)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SearchResponse{Certificates: certs, Count: len(certs)})
}

func (s *Server) rotate(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Rotation.Run(r.Context(), r.PathValue("code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) rotationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Rotation.Evaluate(r.Context(), r.PathValue("code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) signingKey(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.engine.JWKS.LatestKey(r.Context(), r.PathValue("code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jwks)
}

func (s *Server) signPayload(w http.ResponseWriter, r *http.Request) {
	var req SignPayloadRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.engine.Signer.Sign(r.Context(), lifecycle.SignRequest{
		GroupCode: r.PathValue("code"),
		Kid:       req.Kid,
		Payload:   *req.Payload,
		Encoding:  pki.PayloadEncoding(req.PayloadEncoding),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) generateKey(w http.ResponseWriter, r *http.Request) {
	var req GenerateKeyRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	genReq, err := req.request()
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.engine.Issuance.GenerateKeyAndOptionalCSR(r.Context(), genReq)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Certificate == nil {
		// nothing was registered
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) signCSR(w http.ResponseWriter, r *http.Request) {
	var req SignCSRRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	csrReq, err := req.request()
	if err != nil {
		writeError(w, r, err)
		return
	}

	cert, err := s.engine.Issuance.SignCSR(r.Context(), csrReq)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, cert)
}

func (s *Server) searchCertificates(w http.ResponseWriter, r *http.Request) {
	params, err := searchParams(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}

	certs, err := s.engine.Registry.Search(r.Context(), params)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SearchResponse{Certificates: certs, Count: len(certs)})
}

func (s *Server) getCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.engine.Registry.Get(r.Context(), r.PathValue("kid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func (s *Server) revokeCertificate(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	cert, err := s.engine.Registry.Revoke(r.Context(), r.PathValue("kid"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cert)
}

// publishJWKS serves /.well-known/jwks/{groupCode}.json.
func (s *Server) publishJWKS(w http.ResponseWriter, r *http.Request) {
	code, ok := strings.CutSuffix(r.PathValue("file"), ".json")
	if !ok || code == "" {
		http.NotFound(w, r)
		return
	}

	jwks, err := s.engine.JWKS.Publish(r.Context(), code)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(s.opts.JWKSMaxAge.Seconds())))
	writeJSON(w, http.StatusOK, jwks)
}

// searchParams reads search filters from query parameters. Times are RFC 3339.
func searchParams(q url.Values) (lifecycle.SearchParams, error) {
	params := lifecycle.SearchParams{
		Kid:       q.Get("kid"),
		GroupCode: q.Get("groupCode"),
		IssuerKid: q.Get("issuerKid"),
		UsageType: q.Get("usageType"),
		Subject:   q.Get("subject"),
		Revoked:   q.Get("revoked"),
	}

	times := []struct {
		name string
		dst  **time.Time
	}{
		{"issuedFrom", &params.IssuedFrom},
		{"issuedTo", &params.IssuedTo},
		{"expiresFrom", &params.ExpiresFrom},
		{"expiresTo", &params.ExpiresTo},
	}
	for _, t := range times {
		v := q.Get(t.name)
		if v == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return lifecycle.SearchParams{}, errdefs.Invalid(t.name, errdefs.CodeInvalidFilter, "%s must be an RFC 3339 time", t.name)
		}
		*t.dst = &parsed
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"limit", &params.Limit},
		{"offset", &params.Offset},
	}
	for _, i := range ints {
		v := q.Get(i.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return lifecycle.SearchParams{}, errdefs.Invalid(i.name, errdefs.CodeInvalidFilter, "%s must be an integer", i.name)
		}
		*i.dst = n
	}

	return params, nil
}
