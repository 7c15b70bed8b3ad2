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

package controlplane

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/nimbusdb/connector-go/instance"
	"github.com/nimbusdb/connector-go/internal/mock"
)

func generateTestKey() ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

type stubTokenSource struct{}

func (stubTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "fake-token"}, nil
}

func testURI(t *testing.T) instance.URI {
	t.Helper()
	return instance.URI{Project: "proj", Region: "region", Cluster: "cluster", Name: "inst"}
}

func TestGetConnectionInfo(t *testing.T) {
	ctx := context.Background()
	inst := mock.NewFakeInstance("proj", "region", "cluster", "inst",
		mock.WithIPAddr("10.0.0.5"), mock.WithPublicIPAddr("203.0.113.9"))

	hc, url, cleanup := mock.HTTPServer(mock.ConnectionInfoSuccess(inst, 1))
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
	}()

	c, err := NewClient(ctx, "test-agent/1.0",
		[]option.ClientOption{option.WithHTTPClient(hc), option.WithEndpoint(url), option.WithTokenSource(stubTokenSource{})})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	resp, err := c.GetConnectionInfo(ctx, testURI(t))
	if err != nil {
		t.Fatalf("GetConnectionInfo: %v", err)
	}
	if resp.IPAddress != "10.0.0.5" {
		t.Errorf("IPAddress = %q, want %q", resp.IPAddress, "10.0.0.5")
	}
	if resp.PublicIPAddress != "203.0.113.9" {
		t.Errorf("PublicIPAddress = %q, want %q", resp.PublicIPAddress, "203.0.113.9")
	}
}

func TestGetConnectionInfoNotFound(t *testing.T) {
	ctx := context.Background()
	inst := mock.NewFakeInstance("proj", "region", "cluster", "inst")

	hc, url, cleanup := mock.HTTPServer(mock.ConnectionInfoNotFound(inst, 1))
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
	}()

	c, err := NewClient(ctx, "test-agent/1.0",
		[]option.ClientOption{option.WithHTTPClient(hc), option.WithEndpoint(url), option.WithTokenSource(stubTokenSource{})})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = c.GetConnectionInfo(ctx, testURI(t))
	if err == nil {
		t.Fatal("want error, got nil")
	}
}

func TestGenerateClientCertificate(t *testing.T) {
	ctx := context.Background()
	inst := mock.NewFakeInstance("proj", "region", "cluster", "inst")

	hc, url, cleanup := mock.HTTPServer(mock.CreateCertificateSuccess(inst, 1))
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
	}()

	c, err := NewClient(ctx, "test-agent/1.0",
		[]option.ClientOption{option.WithHTTPClient(hc), option.WithEndpoint(url), option.WithTokenSource(stubTokenSource{})})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	key, err := generateTestKey()
	if err != nil {
		t.Fatalf("generateTestKey: %v", err)
	}

	resp, err := c.GenerateClientCertificate(ctx, testURI(t), key)
	if err != nil {
		t.Fatalf("GenerateClientCertificate: %v", err)
	}
	if len(resp.PemCertificateChain) != 3 {
		t.Fatalf("len(PemCertificateChain) = %d, want 3", len(resp.PemCertificateChain))
	}
	if resp.CACert == "" {
		t.Fatal("CACert is empty")
	}
}
