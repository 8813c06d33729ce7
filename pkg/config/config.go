package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/cuemby/gatehouse/pkg/certs"
	"github.com/cuemby/gatehouse/pkg/types"
	"gopkg.in/yaml.v3"
)

// SSLSpec is the per-service TLS stanza. It accepts either the literal
// `true` (auto acquisition) or a mapping with operator-supplied
// material, inline or by file path.
type SSLSpec struct {
	Auto bool

	CertificatePEM string
	PrivateKeyPEM  string

	CertificateFile string
	PrivateKeyFile  string
}

// Enabled reports whether the service declared TLS sourcing at all.
func (s *SSLSpec) Enabled() bool {
	return s != nil && (s.Auto || s.CertificatePEM != "" || s.CertificateFile != "")
}

// UnmarshalYAML accepts `ssl: true` or the mapping form.
func (s *SSLSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var auto bool
		if err := value.Decode(&auto); err != nil {
			return fmt.Errorf("ssl must be true or a mapping: %w", err)
		}
		s.Auto = auto
		return nil
	}

	var raw struct {
		CertificatePEM  string `yaml:"certificate_pem"`
		PrivateKeyPEM   string `yaml:"private_key_pem"`
		CertificateFile string `yaml:"certificate_file"`
		PrivateKeyFile  string `yaml:"private_key_file"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.CertificatePEM = raw.CertificatePEM
	s.PrivateKeyPEM = raw.PrivateKeyPEM
	s.CertificateFile = raw.CertificateFile
	s.PrivateKeyFile = raw.PrivateKeyFile
	return nil
}

// ServiceSpec declares the routing intent for one service.
type ServiceSpec struct {
	Name            string   `yaml:"name"`
	Host            string   `yaml:"host,omitempty"`
	Hosts           []string `yaml:"hosts,omitempty"`
	PathPrefix      string   `yaml:"path_prefix,omitempty"`
	Target          string   `yaml:"target"`
	SSL             *SSLSpec `yaml:"ssl,omitempty"`
	DNSProxied      bool     `yaml:"dns_proxied,omitempty"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes,omitempty"`
	RateLimit       float64  `yaml:"rate_limit,omitempty"`
	HealthcheckPath string   `yaml:"healthcheck_path,omitempty"`
}

// AllHosts returns the service's declared hosts.
func (s *ServiceSpec) AllHosts() []string {
	if s.Host != "" {
		return append([]string{s.Host}, s.Hosts...)
	}
	return s.Hosts
}

// File is a declared-intent file: the full set of services the operator
// wants routed.
type File struct {
	Services []ServiceSpec `yaml:"services"`
}

// Load reads and validates an intent file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the intent file for declaration errors.
func (f *File) Validate() error {
	claimed := make(map[string]string) // host|prefix -> service name
	for i := range f.Services {
		svc := &f.Services[i]
		if svc.Name == "" {
			return fmt.Errorf("service %d: missing name", i)
		}
		if len(svc.AllHosts()) == 0 {
			return fmt.Errorf("service %s: missing host", svc.Name)
		}
		if svc.Target == "" {
			return fmt.Errorf("service %s: missing target", svc.Name)
		}
		prefix := svc.PathPrefix
		if prefix == "" {
			prefix = "/"
		}
		if prefix != "/" && svc.SSL != nil && !svc.SSL.Auto &&
			(svc.SSL.CertificatePEM != "" || svc.SSL.CertificateFile != "") {
			return fmt.Errorf("service %s: certificate material belongs on the host's root route", svc.Name)
		}
		for _, host := range svc.AllHosts() {
			key := host + "|" + prefix
			if other, ok := claimed[key]; ok {
				return fmt.Errorf("services %s and %s both declare %s%s", other, svc.Name, host, prefix)
			}
			claimed[key] = svc.Name
		}
	}
	return nil
}

// Routes translates the intent into route declarations, root routes
// first so table invariants hold during sequential declaration.
func (f *File) Routes() ([]*types.Route, error) {
	var declared []*types.Route
	for i := range f.Services {
		svc := &f.Services[i]
		prefix := svc.PathPrefix
		if prefix == "" {
			prefix = "/"
		}

		var tlsSpec *types.TLSSpec
		if prefix == "/" && svc.SSL.Enabled() {
			spec, err := svc.tlsSpec()
			if err != nil {
				return nil, err
			}
			tlsSpec = spec
		}

		for _, host := range svc.AllHosts() {
			declared = append(declared, &types.Route{
				Service:      svc.Name,
				Host:         host,
				PathPrefix:   prefix,
				Target:       svc.Target,
				TLS:          tlsSpec,
				HealthPath:   svc.HealthcheckPath,
				MaxBodyBytes: svc.MaxBodyBytes,
				RateLimit:    svc.RateLimit,
			})
		}
	}

	sort.SliceStable(declared, func(i, j int) bool {
		return len(declared[i].PathPrefix) < len(declared[j].PathPrefix)
	})
	return declared, nil
}

func (s *ServiceSpec) tlsSpec() (*types.TLSSpec, error) {
	if s.SSL.Auto {
		return &types.TLSSpec{
			Source:     types.SourceAutoACME,
			DNSProxied: s.DNSProxied,
		}, nil
	}

	certPEM := []byte(s.SSL.CertificatePEM)
	keyPEM := []byte(s.SSL.PrivateKeyPEM)

	if s.SSL.CertificateFile != "" || s.SSL.PrivateKeyFile != "" {
		if s.SSL.CertificateFile == "" || s.SSL.PrivateKeyFile == "" {
			return nil, fmt.Errorf("service %s: certificate_file and private_key_file go together", s.Name)
		}
		m, err := certs.LoadMaterial(s.SSL.CertificateFile, s.SSL.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", s.Name, err)
		}
		certPEM = m.CertPEM
		keyPEM = m.KeyPEM
	}

	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, fmt.Errorf("service %s: incomplete certificate material", s.Name)
	}

	return &types.TLSSpec{
		Source:     types.SourceStatic,
		CertPEM:    certPEM,
		KeyPEM:     keyPEM,
		DNSProxied: s.DNSProxied,
	}, nil
}
