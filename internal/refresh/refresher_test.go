// Copyright 2024 Nimbus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package refresh

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimbusdb/connector-go/errtype"
	"github.com/nimbusdb/connector-go/instance"
	"github.com/nimbusdb/connector-go/internal/controlplane"
)

// fakeClient is an in-memory stand-in for controlplane.Client, letting
// tests control exactly how many fetches happen and how they resolve.
type fakeClient struct {
	mu         sync.Mutex
	metaCalls  int32
	certCalls  int32
	metaErr    error
	certErr    error
	expiration time.Time
	ipAddrs    map[IPType]string
}

func (f *fakeClient) GetConnectionInfo(ctx context.Context, uri instance.URI) (controlplane.ConnectionInfoResponse, error) {
	atomic.AddInt32(&f.metaCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metaErr != nil {
		return controlplane.ConnectionInfoResponse{}, f.metaErr
	}
	return controlplane.ConnectionInfoResponse{
		IPAddress:       f.ipAddrs[PrivateIP],
		PublicIPAddress: f.ipAddrs[PublicIP],
		PSCDNSName:      f.ipAddrs[PSC],
	}, nil
}

func (f *fakeClient) GenerateClientCertificate(ctx context.Context, uri instance.URI, publicKeyPEM []byte) (controlplane.CertificateResponse, error) {
	atomic.AddInt32(&f.certCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.certErr != nil {
		return controlplane.CertificateResponse{}, f.certErr
	}
	key, err := GenerateKey()
	if err != nil {
		return controlplane.CertificateResponse{}, err
	}
	ca, chain, err := genTestChainForKey(key, f.expiration)
	if err != nil {
		return controlplane.CertificateResponse{}, err
	}
	return controlplane.CertificateResponse{CACert: ca, PemCertificateChain: chain}, nil
}

// genTestChainForKey mints a single self-signed certificate binding key,
// valid until notAfter, returned as a one-element PEM chain alongside the
// same certificate serving as its own CA.
func genTestChainForKey(key *rsa.PrivateKey, notAfter time.Time) (caPEM string, chain []string, err error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-leaf"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return "", nil, err
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return string(block), []string{string(block)}, nil
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRefresherInitialFetch(t *testing.T) {
	fc := &fakeClient{
		expiration: time.Now().Add(2 * time.Hour),
		ipAddrs:    map[IPType]string{PrivateIP: "10.0.0.1"},
	}
	r := NewRefresher(testURI(t), fc, nil, 0, nil, nil)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ci, err := r.ConnectionInfo(ctx)
	if err != nil {
		t.Fatalf("ConnectionInfo: %v", err)
	}
	addr, err := ci.PreferredIP(PrivateIP)
	if err != nil {
		t.Fatalf("PreferredIP: %v", err)
	}
	if addr != "10.0.0.1" {
		t.Errorf("addr = %q, want %q", addr, "10.0.0.1")
	}
}

func TestRefresherSingleFlight(t *testing.T) {
	fc := &fakeClient{
		expiration: time.Now().Add(2 * time.Hour),
		ipAddrs:    map[IPType]string{PrivateIP: "10.0.0.1"},
	}
	r := NewRefresher(testURI(t), fc, nil, 0, nil, nil)
	defer r.Close()

	var wg sync.WaitGroup
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.ConnectionInfo(ctx); err != nil {
				t.Errorf("ConnectionInfo: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&fc.metaCalls); got != 1 {
		t.Errorf("metaCalls = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&fc.certCalls); got != 1 {
		t.Errorf("certCalls = %d, want 1", got)
	}
}

func TestRefresherInitialFetchErrorPropagates(t *testing.T) {
	fc := &fakeClient{
		metaErr: errtype.NewControlPlaneError("boom", "inst", 500, false, nil),
	}
	r := NewRefresher(testURI(t), fc, nil, 0, nil, nil)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.ConnectionInfo(ctx); err == nil {
		t.Fatal("want error, got nil")
	}
}

func TestRefresherForceRefreshTriggersNewFetch(t *testing.T) {
	fc := &fakeClient{
		expiration: time.Now().Add(2 * time.Hour),
		ipAddrs:    map[IPType]string{PrivateIP: "10.0.0.1"},
	}
	r := NewRefresher(testURI(t), fc, nil, 0, nil, nil)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.ConnectionInfo(ctx); err != nil {
		t.Fatalf("ConnectionInfo: %v", err)
	}

	r.ForceRefresh()

	waitForCondition(t, 5*time.Second, func() bool {
		return atomic.LoadInt32(&fc.metaCalls) >= 2
	})
}

func TestRefresherCloseReturnsClosedError(t *testing.T) {
	fc := &fakeClient{
		expiration: time.Now().Add(2 * time.Hour),
		ipAddrs:    map[IPType]string{PrivateIP: "10.0.0.1"},
	}
	r := NewRefresher(testURI(t), fc, nil, 0, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.ConnectionInfo(ctx); err != nil {
		t.Fatalf("ConnectionInfo: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := r.ConnectionInfo(context.Background())
	if err == nil {
		t.Fatal("want ClosedError, got nil")
	}
	if _, ok := err.(*errtype.ClosedError); !ok {
		t.Fatalf("err type = %T, want *errtype.ClosedError", err)
	}
}

func TestIsTerminalError(t *testing.T) {
	terminal := errtype.NewControlPlaneError("not found", "inst", 404, true, nil)
	if !IsTerminalError(terminal) {
		t.Error("want terminal error to be reported as terminal")
	}

	transient := errtype.NewControlPlaneError("server error", "inst", 500, false, nil)
	if IsTerminalError(transient) {
		t.Error("want transient error to not be reported as terminal")
	}

	if IsTerminalError(nil) {
		t.Error("want nil error to not be reported as terminal")
	}
}
