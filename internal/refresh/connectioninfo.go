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
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"time"

	"github.com/nimbusdb/connector-go/errtype"
	"github.com/nimbusdb/connector-go/instance"
)

var errInvalidPEM = errors.New("certificate is not valid PEM")

func derFromPEM(s string) ([]byte, error) {
	b, _ := pem.Decode([]byte(s))
	if b == nil {
		return nil, errInvalidPEM
	}
	return b.Bytes, nil
}

// IPType identifies the kind of network path a connection is made over.
type IPType string

const (
	// PublicIP addresses the instance over a public, internet-routable
	// address.
	PublicIP IPType = "PUBLIC"
	// PrivateIP addresses the instance over a VPC-private address.
	PrivateIP IPType = "PRIVATE"
	// PSC addresses the instance over a Private Service Connect endpoint.
	PSC IPType = "PSC"
)

// ParseIPType parses a case-insensitive string into an IPType. It accepts
// "PUBLIC", "PRIVATE", and "PSC" in any case.
func ParseIPType(s string) (IPType, bool) {
	switch IPType(normalizeUpper(s)) {
	case PublicIP:
		return PublicIP, true
	case PrivateIP:
		return PrivateIP, true
	case PSC:
		return PSC, true
	default:
		return "", false
	}
}

func normalizeUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// ConnectionInfo is an immutable snapshot of everything needed to open a
// secure connection to one database instance: the instance's signing
// authority, a certificate chain asserting the caller's identity, the
// private key whose public half was signed into that chain, and the set of
// reachable IP addresses.
type ConnectionInfo struct {
	uri instance.URI

	// CACert is the PEM-encoded certificate of the instance's signing
	// authority.
	CACert string
	// CertChain holds the PEM-encoded certificate chain (leaf,
	// intermediate, root) asserting the caller's identity, signed by
	// CACert.
	CertChain []string
	// PrivateKey is the private half of the keypair whose public half
	// produced CertChain[0].
	PrivateKey *rsa.PrivateKey
	// IPAddrs maps an IP type to a reachable address. A missing entry (or
	// an empty string) means that IP type is not available for this
	// instance.
	IPAddrs map[IPType]string
	// Expiration is the instant CertChain[0] ceases to be valid. It is
	// always equal to the leaf certificate's NotAfter.
	Expiration time.Time

	// tlsConfig is derived once, in NewConnectionInfo, and never mutated
	// afterward -- so ConnectionInfo carries no lock and stays safe to
	// copy by value.
	tlsConfig *tls.Config
}

// PreferredIP returns the first IP address matching ipType, normalizing an
// absent entry and an empty-string entry to the same "not present" result
// so callers never need to distinguish between the two (see spec's Open
// Question on absent vs. empty IP fields).
func (c *ConnectionInfo) PreferredIP(ipType IPType) (string, error) {
	addr, ok := c.IPAddrs[ipType]
	if !ok || addr == "" {
		return "", errtype.NewIPTypeNotFoundError(c.uri.String(), string(ipType))
	}
	return addr, nil
}

// TLSConfig returns the *tls.Config trusting CACert only, presenting
// CertChain and PrivateKey, with TLS 1.3 pinned as the minimum version.
// It was derived once in NewConnectionInfo; every call returns the same
// *tls.Config value, and ConnectionInfo never mutates it afterward.
func (c *ConnectionInfo) TLSConfig() (*tls.Config, error) {
	return c.tlsConfig, nil
}

// NewConnectionInfo assembles an immutable ConnectionInfo from the results
// of a refresh cycle. It enforces the invariant that certChain is non-empty
// and that expiration matches the leaf certificate's NotAfter, and derives
// the TLS material up front so ConnectionInfo can be passed and copied by
// value without ever re-deriving it.
func NewConnectionInfo(
	uri instance.URI,
	caCert string,
	certChain []string,
	key *rsa.PrivateKey,
	ipAddrs map[IPType]string,
) (ConnectionInfo, error) {
	if len(certChain) == 0 {
		return ConnectionInfo{}, errtype.NewRefreshError("certificate chain is empty", uri.String(), nil)
	}
	leaf, err := parseLeaf(uri.String(), certChain)
	if err != nil {
		return ConnectionInfo{}, err
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(caCert)) {
		return ConnectionInfo{}, errtype.NewRefreshError("failed to parse CA certificate", uri.String(), nil)
	}

	certDER := make([][]byte, 0, len(certChain))
	for _, pemCert := range certChain {
		der, err := derFromPEM(pemCert)
		if err != nil {
			return ConnectionInfo{}, errtype.NewRefreshError("failed to parse certificate chain", uri.String(), err)
		}
		certDER = append(certDER, der)
	}

	tlsConfig := &tls.Config{
		RootCAs: pool,
		Certificates: []tls.Certificate{{
			Certificate: certDER,
			PrivateKey:  key,
			Leaf:        leaf,
		}},
		MinVersion: tls.VersionTLS13,
	}

	return ConnectionInfo{
		uri:        uri,
		CACert:     caCert,
		CertChain:  certChain,
		PrivateKey: key,
		IPAddrs:    ipAddrs,
		Expiration: leaf.NotAfter,
		tlsConfig:  tlsConfig,
	}, nil
}

func parseLeaf(uri string, chain []string) (*x509.Certificate, error) {
	der, err := derFromPEM(chain[0])
	if err != nil {
		return nil, errtype.NewRefreshError("failed to parse leaf certificate", uri, err)
	}
	return x509.ParseCertificate(der)
}
