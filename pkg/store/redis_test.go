package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("expected value in miniredis, got %q", got)
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedis(context.Background(), RedisConfig{Addr: addr}); err == nil {
		t.Fatal("expected ping error")
	}
}

func TestNewRedisRequireTLSWithoutTLS(t *testing.T) {
	if _, err := NewRedis(context.Background(), RedisConfig{Addr: "127.0.0.1:1", RequireTLS: true}); err == nil {
		t.Fatal("expected error when TLS is required but disabled")
	}
}

func TestRedisTLSConfig(t *testing.T) {
	cfg, err := redisTLSConfig(RedisConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config when TLS disabled, got %v %v", cfg, err)
	}

	cfg, err = redisTLSConfig(RedisConfig{TLS: true, ServerName: "redis.internal"})
	if err != nil || cfg == nil || cfg.ServerName != "redis.internal" {
		t.Fatalf("expected server name, got %+v %v", cfg, err)
	}

	if _, err := redisTLSConfig(RedisConfig{TLS: true, InsecureSkipVerify: true}); err == nil {
		t.Fatal("expected insecure skip verify to need explicit allow")
	}
	cfg, err = redisTLSConfig(RedisConfig{TLS: true, InsecureSkipVerify: true, AllowInsecure: true})
	if err != nil || !cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure config, got %+v %v", cfg, err)
	}

	if _, err := redisTLSConfig(RedisConfig{TLS: true, CertFile: "/tmp/client.pem"}); err == nil {
		t.Fatal("expected error for incomplete mTLS configuration")
	}
}

func TestRedisTLSConfigCAAndMTLS(t *testing.T) {
	tmp := t.TempDir()
	certPEM, keyPEM := mustCreateSelfSignedPEM(t)
	caPath := filepath.Join(tmp, "ca.pem")
	certPath := filepath.Join(tmp, "client.pem")
	keyPath := filepath.Join(tmp, "client-key.pem")
	for path, data := range map[string][]byte{caPath: certPEM, certPath: certPEM, keyPath: keyPEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	cfg, err := redisTLSConfig(RedisConfig{TLS: true, CAFile: caPath, CertFile: certPath, KeyFile: keyPath})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("expected RootCAs to be populated")
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
	}

	bad := filepath.Join(tmp, "bad.pem")
	if err := os.WriteFile(bad, []byte("not pem"), 0o600); err != nil {
		t.Fatalf("write bad: %v", err)
	}
	if _, err := redisTLSConfig(RedisConfig{TLS: true, CAFile: bad}); err == nil {
		t.Fatal("expected error for invalid CA file")
	}
}

func mustCreateSelfSignedPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "redis-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return cert, priv
}
