package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/gatehouse/pkg/log"
	"github.com/cuemby/gatehouse/pkg/storage"
	"github.com/cuemby/gatehouse/pkg/types"
	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ACMEConfig configures the ACME provider
type ACMEConfig struct {
	// Email is the account contact registered with the authority
	Email string

	// DirectoryURL is the authority's directory endpoint. Defaults to
	// the Let's Encrypt staging directory.
	// Production: https://acme-v02.api.letsencrypt.org/directory
	DirectoryURL string

	// ValidationAddr is the listen address for the HTTP-01 validation
	// channel (default ":80"). One port, one process: acquisitions are
	// serialized per controller because this channel is shared.
	ValidationAddr string

	// Timeout bounds a single acquisition including the authority's
	// validation round trip (default 90s).
	Timeout time.Duration

	// AuthorityRPS paces requests to the authority (default 1/s).
	AuthorityRPS float64
}

// ACMEUser implements the required user interface for ACME registration
type ACMEUser struct {
	Email        string
	Registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *ACMEUser) GetEmail() string {
	return u.Email
}

func (u *ACMEUser) GetRegistration() *registration.Resource {
	return u.Registration
}

func (u *ACMEUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}

// acmeAccount is the persisted form of the ACME account
type acmeAccount struct {
	Email        string                 `json:"email"`
	KeyPEM       []byte                 `json:"key_pem"`
	Registration *registration.Resource `json:"registration"`
}

// HTTP01Provider implements the lego HTTP-01 challenge provider
// interface, holding presented tokens for the validation listener.
type HTTP01Provider struct {
	mu sync.RWMutex
	// Map of domain -> (token -> keyAuth)
	challenges map[string]map[string]string
}

// NewHTTP01Provider creates a new HTTP-01 challenge provider
func NewHTTP01Provider() *HTTP01Provider {
	return &HTTP01Provider{
		challenges: make(map[string]map[string]string),
	}
}

// Present stores the challenge for the validation listener to serve
func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.challenges[domain] == nil {
		p.challenges[domain] = make(map[string]string)
	}
	p.challenges[domain][token] = keyAuth

	log.Debug(fmt.Sprintf("ACME: presenting challenge for %s, token %s", domain, token))
	return nil
}

// CleanUp removes the challenge after verification
func (p *HTTP01Provider) CleanUp(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if domainChallenges, exists := p.challenges[domain]; exists {
		delete(domainChallenges, token)
		if len(domainChallenges) == 0 {
			delete(p.challenges, domain)
		}
	}

	log.Debug(fmt.Sprintf("ACME: cleaned up challenge for %s, token %s", domain, token))
	return nil
}

// GetKeyAuth retrieves the key authorization for a domain and token
func (p *HTTP01Provider) GetKeyAuth(domain, token string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if domainChallenges, exists := p.challenges[domain]; exists {
		keyAuth, ok := domainChallenges[token]
		return keyAuth, ok
	}
	return "", false
}

// ACMEProvider acquires certificates via HTTP-01 challenges against an
// ACME authority. Acquisitions are serialized per controller instance:
// the validation channel is a single shared listener.
type ACMEProvider struct {
	store      storage.Store
	client     *lego.Client
	user       *ACMEUser
	challenges *HTTP01Provider

	validationAddr string
	timeout        time.Duration
	limiter        *rate.Limiter
	group          singleflight.Group

	// acquireMu serializes acquisitions; the network round trip happens
	// under this lock but never under the convergence lock.
	acquireMu sync.Mutex
}

// NewACMEProvider creates an ACME provider, reusing a persisted account
// or registering a new one with the authority.
func NewACMEProvider(store storage.Store, cfg ACMEConfig) (*ACMEProvider, error) {
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = "https://acme-staging-v02.api.letsencrypt.org/directory"
	}
	if cfg.ValidationAddr == "" {
		cfg.ValidationAddr = ":80"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = AcquireTimeout
	}
	if cfg.AuthorityRPS <= 0 {
		cfg.AuthorityRPS = 1
	}

	user, err := loadOrCreateUser(store, cfg.Email)
	if err != nil {
		return nil, err
	}

	config := lego.NewConfig(user)
	config.CADirURL = cfg.DirectoryURL
	config.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create lego client: %w", err)
	}

	challenges := NewHTTP01Provider()
	if err := client.Challenge.SetHTTP01Provider(challenges); err != nil {
		return nil, fmt.Errorf("failed to set HTTP-01 provider: %w", err)
	}

	p := &ACMEProvider{
		store:          store,
		client:         client,
		user:           user,
		challenges:     challenges,
		validationAddr: cfg.ValidationAddr,
		timeout:        cfg.Timeout,
		limiter:        rate.NewLimiter(rate.Limit(cfg.AuthorityRPS), 1),
	}

	if user.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("failed to register with ACME server: %w", err)
		}
		user.Registration = reg
		if err := p.saveAccount(); err != nil {
			log.Warn(fmt.Sprintf("ACME: failed to persist account: %v", err))
		}
		log.Info(fmt.Sprintf("ACME: registered account for %s", cfg.Email))
	}

	return p, nil
}

// Acquire obtains a certificate for the host. Concurrent calls for the
// same host are collapsed; calls for different hosts queue behind the
// shared validation channel.
func (p *ACMEProvider) Acquire(ctx context.Context, host string) (*Material, error) {
	v, err, _ := p.group.Do(host, func() (interface{}, error) {
		return p.acquire(ctx, host)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Material), nil
}

func (p *ACMEProvider) acquire(ctx context.Context, host string) (*Material, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidationTimeout, host)
	}

	p.acquireMu.Lock()
	defer p.acquireMu.Unlock()

	listener, err := p.openValidationListener()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationUnreachable, err)
	}
	defer listener.close()

	log.Info(fmt.Sprintf("ACME: requesting certificate for %s", host))

	type obtainResult struct {
		res *certificate.Resource
		err error
	}
	resultCh := make(chan obtainResult, 1)
	go func() {
		res, err := p.client.Certificate.Obtain(certificate.ObtainRequest{
			Domains: []string{host},
			Bundle:  true,
		})
		resultCh <- obtainResult{res, err}
	}()

	select {
	case <-ctx.Done():
		// The in-flight exchange is abandoned; its result, if any, is
		// discarded when the goroutine finishes.
		return nil, fmt.Errorf("%w: %s after %s", ErrValidationTimeout, host, p.timeout)
	case result := <-resultCh:
		if result.err != nil {
			return nil, classifyACMEError(host, result.err)
		}

		m, err := NewMaterial(result.res.Certificate, result.res.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthorityRejected, err)
		}

		log.Info(fmt.Sprintf("ACME: certificate obtained for %s, valid until %s", host, m.NotAfter))
		return m, nil
	}
}

// NeedsRenewal reports whether the assignment is inside the renewal window.
func (p *ACMEProvider) NeedsRenewal(assignment *types.CertificateAssignment, now time.Time) bool {
	if assignment.Source != types.SourceAutoACME || assignment.NotAfter.IsZero() {
		return false
	}
	return assignment.NotAfter.Sub(now) < RenewalWindow
}

// validationListener is the temporary HTTP responder the authority
// probes during a challenge.
type validationListener struct {
	server *http.Server
	ln     net.Listener
}

func (l *validationListener) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.server.Shutdown(shutdownCtx)
}

func (p *ACMEProvider) openValidationListener() (*validationListener, error) {
	ln, err := net.Listen("tcp", p.validationAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", p.validationAddr, err)
	}

	server := &http.Server{
		Handler:      http.HandlerFunc(p.handleChallenge),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error(fmt.Sprintf("ACME: validation listener error: %v", err))
		}
	}()

	log.Debug(fmt.Sprintf("ACME: validation listener open on %s", p.validationAddr))
	return &validationListener{server: server, ln: ln}, nil
}

func (p *ACMEProvider) handleChallenge(w http.ResponseWriter, r *http.Request) {
	const challengePrefix = "/.well-known/acme-challenge/"
	if !strings.HasPrefix(r.URL.Path, challengePrefix) {
		http.NotFound(w, r)
		return
	}

	host := r.Host
	if idx := strings.IndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}
	token := strings.TrimPrefix(r.URL.Path, challengePrefix)

	keyAuth, ok := p.challenges.GetKeyAuth(host, token)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, keyAuth)
}

func (p *ACMEProvider) saveAccount() error {
	key, ok := p.user.key.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("account key is not ECDSA")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal account key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	data, err := json.Marshal(acmeAccount{
		Email:        p.user.Email,
		KeyPEM:       keyPEM,
		Registration: p.user.Registration,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	return p.store.SaveACMEAccount(data)
}

func loadOrCreateUser(store storage.Store, email string) (*ACMEUser, error) {
	data, err := store.GetACMEAccount()
	if err == nil {
		var account acmeAccount
		if err := json.Unmarshal(data, &account); err == nil && account.Email == email {
			block, _ := pem.Decode(account.KeyPEM)
			if block != nil {
				if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
					return &ACMEUser{
						Email:        account.Email,
						Registration: account.Registration,
						key:          key,
					}, nil
				}
			}
		}
		log.Warn("ACME: stored account unusable, registering a new one")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load ACME account: %w", err)
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}

	return &ACMEUser{
		Email: email,
		key:   privateKey,
	}, nil
}

// classifyACMEError maps authority and transport failures onto the
// provider error taxonomy.
func classifyACMEError(host string, err error) error {
	var problem *acme.ProblemDetails
	if errors.As(err, &problem) {
		switch {
		case strings.Contains(problem.Type, "rateLimited"):
			return fmt.Errorf("%w: %s: %v", ErrRateLimited, host, err)
		case strings.Contains(problem.Type, "connection"),
			strings.Contains(problem.Type, "dns"):
			return fmt.Errorf("%w: %s: %v", ErrValidationUnreachable, host, err)
		default:
			return fmt.Errorf("%w: %s: %v", ErrAuthorityRejected, host, err)
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "rateLimited"), strings.Contains(msg, "too many"):
		return fmt.Errorf("%w: %s: %v", ErrRateLimited, host, err)
	case strings.Contains(msg, "connection"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "unreachable"), strings.Contains(msg, "no such host"):
		return fmt.Errorf("%w: %s: %v", ErrValidationUnreachable, host, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrAuthorityRejected, host, err)
	}
}
