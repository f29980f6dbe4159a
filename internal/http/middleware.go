package http

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/quantumauth-io/quantum-go-utils/log"
)

// corsPolicy answers browser callers. A nil origin set admits any well-formed origin.
type corsPolicy struct {
	origins map[string]struct{}
	methods string
	maxAge  int
}

func (p corsPolicy) apply(w http.ResponseWriter, r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	origin := normalizeOrigin(raw)
	if origin == "" {
		return false
	}
	if p.origins != nil {
		if _, ok := p.origins[origin]; !ok {
			return false
		}
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", p.methods)
	// echo requested headers so X-QA-Extension casing never breaks
	if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
		h.Set("Access-Control-Allow-Headers", req)
	}
	if p.maxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(p.maxAge))
	}
	return true
}

// guard runs the checks every extension route shares: CORS, loopback peer, local Host.
func (s *Server) guard(methods string, next http.HandlerFunc) http.HandlerFunc {
	policy := corsPolicy{origins: s.allowedOrigins, methods: methods, maxAge: 600}

	return func(w http.ResponseWriter, r *http.Request) {
		if !policy.apply(w, r) {
			http.Error(w, "forbidden origin", http.StatusForbidden)
			return
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !isLoopbackRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if !isSafeLocalHost(r.Host) {
			http.Error(w, "forbidden host", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) withLoopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// withExtensionLocalGuards is for the pairing exchange, which happens before a token exists.
func (s *Server) withExtensionLocalGuards(next http.HandlerFunc) http.HandlerFunc {
	return s.guard("POST,OPTIONS", next)
}

// withExtensionPairedGuards additionally requires the token handed out at pairing.
func (s *Server) withExtensionPairedGuards(next http.HandlerFunc) http.HandlerFunc {
	return s.guard("GET,POST,OPTIONS", func(w http.ResponseWriter, r *http.Request) {
		token, err := loadPairingToken(s.pairingTokenPath)
		if err != nil {
			http.Error(w, "extension not paired", http.StatusPreconditionRequired)
			return
		}
		got := r.Header.Get(extensionPairHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			log.Warn("rejected unpaired extension request", "path", r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}

func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}
