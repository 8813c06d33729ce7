package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/gatehouse/pkg/log"
	"github.com/cuemby/gatehouse/pkg/metrics"
	"golang.org/x/time/rate"
)

// Server terminates TLS and forwards requests to backend targets
// according to the applied State.
type Server struct {
	state *State

	httpAddr  string
	httpsAddr string

	httpServer  *http.Server
	httpsServer *http.Server

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // route key -> limiter
}

// NewServer creates a proxy server reading from the given state.
func NewServer(state *State, httpAddr, httpsAddr string) *Server {
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	if httpsAddr == "" {
		httpsAddr = ":8443"
	}
	return &Server{
		state:     state,
		httpAddr:  httpAddr,
		httpsAddr: httpsAddr,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Start starts the HTTP and HTTPS listeners and blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
		GetCertificate: s.state.GetCertificate,
	}

	s.httpServer = &http.Server{
		Addr:         s.httpAddr,
		Handler:      http.HandlerFunc(s.handleRedirect),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	httpListener, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpAddr, err)
	}
	log.Info(fmt.Sprintf("Proxy listening on %s (HTTP)", s.httpAddr))

	go func() {
		if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			log.Error(fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	s.httpsServer = &http.Server{
		Addr:         s.httpsAddr,
		Handler:      http.HandlerFunc(s.handleRequest),
		TLSConfig:    tlsConfig,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	httpsListener, err := net.Listen("tcp", s.httpsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpsAddr, err)
	}
	log.Info(fmt.Sprintf("Proxy listening on %s (HTTPS)", s.httpsAddr))

	go func() {
		tlsListener := tls.NewListener(httpsListener, tlsConfig)
		if err := s.httpsServer.Serve(tlsListener); err != nil && err != http.ErrServerClosed {
			log.Error(fmt.Sprintf("HTTPS server error: %v", err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(fmt.Sprintf("Failed to shutdown HTTP server: %v", err))
	}
	if err := s.httpsServer.Shutdown(shutdownCtx); err != nil {
		log.Error(fmt.Sprintf("Failed to shutdown HTTPS server: %v", err))
	}

	return nil
}

// handleRedirect answers plain HTTP. Hosts declared here require TLS,
// so known hosts are redirected to HTTPS and everything else is refused.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)

	if !s.state.HasHost(host) {
		http.Error(w, "Service not found", http.StatusNotFound)
		return
	}

	target := "https://" + host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// handleRequest handles TLS-terminated requests
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	route := s.state.Lookup(r.Host, r.URL.Path)
	if route == nil {
		log.Warn(fmt.Sprintf("No route for %s%s", r.Host, r.URL.Path))
		metrics.ProxyRequestsTotal.WithLabelValues("404").Inc()
		http.Error(w, "Service not found", http.StatusNotFound)
		return
	}

	if route.RateLimit > 0 && !s.limiter(hostOnly(r.Host), route).Allow() {
		metrics.ProxyRequestsTotal.WithLabelValues("429").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	if route.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, route.MaxBodyBytes)
	}

	log.Debug(fmt.Sprintf("Proxying %s %s%s -> %s", r.Method, r.Host, r.URL.Path, route.Target))

	if err := s.proxyRequest(w, r, route); err != nil {
		log.Error(fmt.Sprintf("Proxy error for %s: %v", route.Target, err))
		metrics.ProxyRequestsTotal.WithLabelValues("502").Inc()
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
}

// proxyRequest forwards the request to the route's backend target
func (s *Server) proxyRequest(w http.ResponseWriter, r *http.Request, route *HostRoute) error {
	targetURL, err := targetToURL(route.Target)
	if err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		// Preserve original Host header for virtual hosting
		req.Host = r.Host
		req.Header.Set("X-Forwarded-For", clientIP(r))
		req.Header.Set("X-Forwarded-Proto", "https")
		req.Header.Set("X-Forwarded-Host", r.Host)
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		metrics.ProxyRequestsTotal.WithLabelValues(statusClass(resp.StatusCode)).Inc()
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error(fmt.Sprintf("Proxy error for %s: %v", route.Target, err))
		metrics.ProxyRequestsTotal.WithLabelValues("502").Inc()
		http.Error(w, "Bad gateway", http.StatusBadGateway)
	}

	proxy.ServeHTTP(w, r)
	return nil
}

// limiter returns the rate limiter for a route, creating it on first
// use. Keyed per host so a service bound to several hosts gets an
// independent bucket on each.
func (s *Server) limiter(host string, route *HostRoute) *rate.Limiter {
	key := host + "|" + route.Service + "|" + route.PathPrefix

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[key]
	if !ok || float64(l.Limit()) != route.RateLimit {
		burst := int(route.RateLimit)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(route.RateLimit), burst)
		s.limiters[key] = l
	}
	return l
}

func hostOnly(host string) string {
	if idx := strings.IndexByte(host, ':'); idx != -1 {
		return host[:idx]
	}
	return host
}

func targetToURL(target string) (*url.URL, error) {
	if strings.Contains(target, "://") {
		return url.Parse(target)
	}
	return url.Parse("http://" + target)
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func statusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
