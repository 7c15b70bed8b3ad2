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

// Package mock provides fakes for testing against the control plane and the
// server-side proxy without a real network dependency.
package mock

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Option configures a FakeInstance.
type Option func(*FakeInstance)

// WithIPAddr sets the private IP address of the instance.
func WithIPAddr(addr string) Option {
	return func(f *FakeInstance) { f.ipAddr = addr }
}

// WithPublicIPAddr sets the public IP address of the instance.
func WithPublicIPAddr(addr string) Option {
	return func(f *FakeInstance) { f.publicIPAddr = addr }
}

// WithPSCDNSName sets the Private Service Connect DNS name of the instance.
func WithPSCDNSName(name string) Option {
	return func(f *FakeInstance) { f.pscDNSName = name }
}

// WithCertExpiry sets the expiration time of certificates the fake control
// plane issues.
func WithCertExpiry(expiry time.Time) Option {
	return func(f *FakeInstance) { f.certExpiry = expiry }
}

// FakeInstance represents a database instance and its server-side proxy, for
// tests that need a believable round trip without a live backend.
type FakeInstance struct {
	project string
	region  string
	cluster string
	name    string

	ipAddr       string
	publicIPAddr string
	pscDNSName   string
	uid          string
	certExpiry   time.Time

	rootCACert *x509.Certificate
	rootKey    *rsa.PrivateKey

	intermedCert *x509.Certificate
	intermedKey  *rsa.PrivateKey
}

func mustGenerateKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

var (
	rootCAKey     = mustGenerateKey()
	intermedCAKey = mustGenerateKey()
	serverKey     = mustGenerateKey()
)

// NewFakeInstance builds a FakeInstance with a freshly minted CA chain.
func NewFakeInstance(project, region, cluster, name string, opts ...Option) FakeInstance {
	f := FakeInstance{
		project:    project,
		region:     region,
		cluster:    cluster,
		name:       name,
		ipAddr:     "127.0.0.1",
		uid:        "00000000-0000-0000-0000-000000000000",
		certExpiry: time.Now().Add(time.Hour),
	}
	for _, o := range opts {
		o(&f)
	}

	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "root.nimbusdb"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(0, 0, 1),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootCAKey.PublicKey, rootCAKey)
	if err != nil {
		panic(err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		panic(err)
	}

	// StartServerProxy presents the intermediate certificate, and the dialer
	// verifies it against the dialed IP address.
	intermedTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "client.nimbusdb"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(0, 0, 1),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	intermedDER, err := x509.CreateCertificate(rand.Reader, intermedTmpl, rootCert, &intermedCAKey.PublicKey, rootCAKey)
	if err != nil {
		panic(err)
	}
	intermedCert, err := x509.ParseCertificate(intermedDER)
	if err != nil {
		panic(err)
	}

	f.rootCACert = rootCert
	f.rootKey = rootCAKey
	f.intermedCert = intermedCert
	f.intermedKey = intermedCAKey
	return f
}

// Request describes one expected HTTP request and the canned response to
// serve it, matched by method, path, and remaining count.
type Request struct {
	sync.Mutex

	reqMethod string
	reqPath   string
	reqCt     int

	handle func(w http.ResponseWriter, r *http.Request)
}

func (r *Request) matches(hr *http.Request) bool {
	r.Lock()
	defer r.Unlock()
	if r.reqMethod != "" && r.reqMethod != hr.Method {
		return false
	}
	if r.reqPath != "" && r.reqPath != hr.URL.Path {
		return false
	}
	if r.reqCt <= 0 {
		return false
	}
	r.reqCt--
	return true
}

// ConnectionInfoSuccess returns a Request answering the connectionInfo
// lookup for inst, ct times.
func ConnectionInfoSuccess(inst FakeInstance, ct int) *Request {
	p := fmt.Sprintf("/projects/%s/locations/%s/clusters/%s/instances/%s/connectionInfo",
		inst.project, inst.region, inst.cluster, inst.name)
	return &Request{
		reqMethod: http.MethodGet,
		reqPath:   p,
		reqCt:     ct,
		handle: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"ipAddress":       inst.ipAddr,
				"publicIpAddress": inst.publicIPAddr,
				"pscDnsName":      inst.pscDNSName,
				"instanceUid":     inst.uid,
			})
		},
	}
}

// ConnectionInfoNotFound returns a Request answering the connectionInfo
// lookup with a 404, ct times.
func ConnectionInfoNotFound(inst FakeInstance, ct int) *Request {
	p := fmt.Sprintf("/projects/%s/locations/%s/clusters/%s/instances/%s/connectionInfo",
		inst.project, inst.region, inst.cluster, inst.name)
	return &Request{
		reqMethod: http.MethodGet,
		reqPath:   p,
		reqCt:     ct,
		handle: func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"error":{"code":404,"message":"instance not found"}}`, http.StatusNotFound)
		},
	}
}

type generateClientCertificateRequest struct {
	PublicKey string `json:"publicKey"`
}

// CreateCertificateSuccess returns a Request answering the
// generateClientCertificate call for inst, ct times. It signs whatever
// public key the caller submits, so round trips exercise real
// marshal/parse code paths on both ends.
func CreateCertificateSuccess(inst FakeInstance, ct int) *Request {
	return &Request{
		reqMethod: http.MethodPost,
		reqPath: fmt.Sprintf("/projects/%s/locations/%s/clusters/%s:generateClientCertificate",
			inst.project, inst.region, inst.cluster),
		reqCt: ct,
		handle: func(w http.ResponseWriter, r *http.Request) {
			b, err := io.ReadAll(r.Body)
			defer r.Body.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			var creq generateClientCertificateRequest
			if err := json.Unmarshal(b, &creq); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			block, _ := pem.Decode([]byte(creq.PublicKey))
			if block == nil {
				http.Error(w, "invalid PEM public key", http.StatusBadRequest)
				return
			}
			pub, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			tmpl := &x509.Certificate{
				SerialNumber: big.NewInt(3),
				Subject:      pkix.Name{CommonName: "nimbus-client"},
				Issuer:       inst.intermedCert.Subject,
				NotBefore:    time.Now().Add(-time.Minute),
				NotAfter:     inst.certExpiry,
				KeyUsage:     x509.KeyUsageDigitalSignature,
				ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
			}
			leafDER, err := x509.CreateCertificate(rand.Reader, tmpl, inst.intermedCert, pub, inst.intermedKey)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			leafPEM := &bytes.Buffer{}
			_ = pem.Encode(leafPEM, &pem.Block{Type: "CERTIFICATE", Bytes: leafDER})
			intermedPEM := &bytes.Buffer{}
			_ = pem.Encode(intermedPEM, &pem.Block{Type: "CERTIFICATE", Bytes: inst.intermedCert.Raw})
			rootPEM := &bytes.Buffer{}
			_ = pem.Encode(rootPEM, &pem.Block{Type: "CERTIFICATE", Bytes: inst.rootCACert.Raw})

			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"caCert":              rootPEM.String(),
				"pemCertificateChain": []string{leafPEM.String(), intermedPEM.String(), rootPEM.String()},
			})
		},
	}
}

// HTTPServer starts an httptest.Server that answers exactly the given
// requests, failing with 501 on anything unexpected. Cleanup stops the
// server and reports any requests that were never consumed.
func HTTPServer(requests ...*Request) (client *http.Client, url string, cleanup func() error) {
	s := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, req := range requests {
			if req.matches(r) {
				req.handle(w, r)
				return
			}
		}
		w.WriteHeader(http.StatusNotImplemented)
		_, _ = w.Write([]byte(fmt.Sprintf("unexpected request: %s %s", r.Method, r.URL.Path)))
	}))
	cleanup = func() error {
		s.Close()
		for i, req := range requests {
			if req.reqCt > 0 {
				return fmt.Errorf("%d calls left unconsumed for request %d (%s %s)", req.reqCt, i, req.reqMethod, req.reqPath)
			}
		}
		return nil
	}
	return s.Client(), s.URL, cleanup
}

// StartServerProxy listens on port 5433 and accepts one client TLS
// handshake per connection using inst's server credentials, mimicking the
// real server-side proxy closely enough for dial-path tests.
func StartServerProxy(t *testing.T, inst FakeInstance) func() {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(inst.rootCACert)

	var ln net.Listener
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		ln, err = tls.Listen("tcp", "127.0.0.1:5433", &tls.Config{
			Certificates: []tls.Certificate{{
				Certificate: [][]byte{inst.intermedCert.Raw, inst.rootCACert.Raw},
				PrivateKey:  inst.intermedKey,
				Leaf:        inst.intermedCert,
			}},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  pool,
		})
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to start fake server proxy: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte(inst.name))
			_ = conn.Close()
		}
	}()
	return func() {
		cancel()
		_ = ln.Close()
	}
}
