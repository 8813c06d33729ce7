package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/gatehouse/pkg/certs"
	"github.com/cuemby/gatehouse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIntent(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatehouse.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestLoadAutoSSL tests the `ssl: true` shorthand
func TestLoadAutoSSL(t *testing.T) {
	f, err := Load(writeIntent(t, `
services:
  - name: web
    host: example.com
    target: localhost:3000
    ssl: true
  - name: api
    host: example.com
    path_prefix: /api
    target: localhost:4000
`))
	require.NoError(t, err)

	declared, err := f.Routes()
	require.NoError(t, err)
	require.Len(t, declared, 2)

	// Root first
	assert.Equal(t, "/", declared[0].PathPrefix)
	require.NotNil(t, declared[0].TLS)
	assert.Equal(t, types.SourceAutoACME, declared[0].TLS.Source)

	assert.Equal(t, "/api", declared[1].PathPrefix)
	assert.Nil(t, declared[1].TLS)
}

// TestLoadInlineMaterial tests the mapping form with inline PEM
func TestLoadInlineMaterial(t *testing.T) {
	f, err := Load(writeIntent(t, `
services:
  - name: web
    host: example.com
    target: localhost:3000
    ssl:
      certificate_pem: "CERT"
      private_key_pem: "KEY"
`))
	require.NoError(t, err)

	declared, err := f.Routes()
	require.NoError(t, err)
	require.Len(t, declared, 1)
	require.NotNil(t, declared[0].TLS)
	assert.Equal(t, types.SourceStatic, declared[0].TLS.Source)
	assert.Equal(t, []byte("CERT"), declared[0].TLS.CertPEM)
	assert.Equal(t, []byte("KEY"), declared[0].TLS.KeyPEM)
}

// TestLoadFileMaterial tests the mapping form with file paths
func TestLoadFileMaterial(t *testing.T) {
	dir := t.TempDir()
	m, err := certs.GenerateSelfSigned("example.com", 24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, certs.SaveMaterial(m, dir))

	f := &File{Services: []ServiceSpec{{
		Name:   "web",
		Host:   "example.com",
		Target: "localhost:3000",
		SSL: &SSLSpec{
			CertificateFile: filepath.Join(dir, "cert.pem"),
			PrivateKeyFile:  filepath.Join(dir, "key.pem"),
		},
	}}}
	require.NoError(t, f.Validate())

	declared, err := f.Routes()
	require.NoError(t, err)
	require.NotNil(t, declared[0].TLS)
	assert.Equal(t, m.CertPEM, declared[0].TLS.CertPEM)
	assert.Equal(t, m.KeyPEM, declared[0].TLS.KeyPEM)
}

// TestLoadFileMaterialInvalid tests that file material is parsed as a
// certificate at load time, not handed through blindly
func TestLoadFileMaterialInvalid(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, []byte("not a certificate"), 0600))
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0600))

	f := &File{Services: []ServiceSpec{{
		Name:   "web",
		Host:   "example.com",
		Target: "localhost:3000",
		SSL: &SSLSpec{
			CertificateFile: certPath,
			PrivateKeyFile:  keyPath,
		},
	}}}
	require.NoError(t, f.Validate())

	_, err := f.Routes()
	assert.ErrorContains(t, err, "web")

	// A lone certificate_file is refused outright
	f.Services[0].SSL = &SSLSpec{CertificateFile: certPath}
	_, err = f.Routes()
	assert.ErrorContains(t, err, "go together")
}

// TestMultipleHosts tests a service declared across several hosts
func TestMultipleHosts(t *testing.T) {
	f, err := Load(writeIntent(t, `
services:
  - name: web
    hosts:
      - example.com
      - example.org
    target: localhost:3000
    ssl: true
`))
	require.NoError(t, err)

	declared, err := f.Routes()
	require.NoError(t, err)
	require.Len(t, declared, 2)
	assert.Equal(t, "example.com", declared[0].Host)
	assert.Equal(t, "example.org", declared[1].Host)
	for _, route := range declared {
		require.NotNil(t, route.TLS)
	}
}

// TestValidateErrors tests the declaration-time checks
func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing name",
			content: `
services:
  - host: example.com
    target: localhost:3000
`,
		},
		{
			name: "missing host",
			content: `
services:
  - name: web
    target: localhost:3000
`,
		},
		{
			name: "missing target",
			content: `
services:
  - name: web
    host: example.com
`,
		},
		{
			name: "material on non-root route",
			content: `
services:
  - name: web
    host: example.com
    target: localhost:3000
  - name: api
    host: example.com
    path_prefix: /api
    target: localhost:4000
    ssl:
      certificate_pem: "CERT"
      private_key_pem: "KEY"
`,
		},
		{
			name: "duplicate host and prefix",
			content: `
services:
  - name: web
    host: example.com
    target: localhost:3000
  - name: other
    host: example.com
    target: localhost:4000
`,
		},
		{
			name: "malformed yaml",
			content: `
services: [
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeIntent(t, tt.content))
			assert.Error(t, err)
		})
	}
}

// TestLoadExtras tests the optional per-service knobs
func TestLoadExtras(t *testing.T) {
	f, err := Load(writeIntent(t, `
services:
  - name: web
    host: example.com
    target: localhost:3000
    ssl: true
    dns_proxied: true
    max_body_bytes: 1048576
    rate_limit: 50
    healthcheck_path: /healthz
`))
	require.NoError(t, err)

	declared, err := f.Routes()
	require.NoError(t, err)
	route := declared[0]
	assert.True(t, route.TLS.DNSProxied)
	assert.Equal(t, int64(1048576), route.MaxBodyBytes)
	assert.Equal(t, float64(50), route.RateLimit)
	assert.Equal(t, "/healthz", route.HealthPath)
}
