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

// Package controlplane is a thin, stateless REST client for the two RPCs
// the refresh-ahead cache depends on: looking up an instance's reachable
// addresses, and minting a signed client certificate.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"

	"github.com/nimbusdb/connector-go/errtype"
	"github.com/nimbusdb/connector-go/instance"
)

// defaultBaseURL is the production endpoint of the control-plane API.
const defaultBaseURL = "https://nimbusdb.googleapis.com/v1beta"

// ConnectionInfoResponse is the decoded body of a connectionInfo lookup.
type ConnectionInfoResponse struct {
	ServerResponse  googleapi.ServerResponse
	IPAddress       string `json:"ipAddress"`
	PublicIPAddress string `json:"publicIpAddress"`
	PSCDNSName      string `json:"pscDnsName"`
	InstanceUID     string `json:"instanceUid"`
}

// generateClientCertificateRequest is the request body of the certificate
// endpoint.
type generateClientCertificateRequest struct {
	PublicKey           string `json:"publicKey"`
	CertDuration        string `json:"certDuration,omitempty"`
	UseMetadataExchange bool   `json:"useMetadataExchange,omitempty"`
}

// CertificateResponse is the decoded body of a certificate generation call.
type CertificateResponse struct {
	ServerResponse      googleapi.ServerResponse
	CACert              string   `json:"caCert"`
	PemCertificateChain []string `json:"pemCertificateChain"`
}

// Client is a stateless REST client for the control plane. It carries no
// per-instance state of its own; every call is fully parameterized by the
// instance.URI passed in.
type Client struct {
	httpClient   *http.Client
	endpoint     string
	userAgent    string
	quotaProject string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithUserAgent overrides the default user-agent string.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithQuotaProject sets the x-goog-user-project header sent with every
// request, attributing API usage to a billing project distinct from the
// resource's own project.
func WithQuotaProject(project string) Option {
	return func(c *Client) { c.quotaProject = project }
}

// NewClient builds a Client. opts are passed through to the underlying
// authenticated transport (credentials, endpoint override, and so on);
// controlOpts configure behavior specific to this package.
func NewClient(ctx context.Context, userAgent string, opts []option.ClientOption, controlOpts ...Option) (*Client, error) {
	withDefaults := append([]option.ClientOption{
		option.WithEndpoint(defaultBaseURL),
	}, opts...)
	withDefaults = append(withDefaults,
		option.WithScopes("https://www.googleapis.com/auth/cloud-platform"),
		option.WithUserAgent(userAgent),
	)
	hc, endpoint, err := htransport.NewClient(ctx, withDefaults...)
	if err != nil {
		return nil, fmt.Errorf("failed to build control-plane transport: %w", err)
	}
	c := &Client{httpClient: hc, endpoint: endpoint, userAgent: userAgent}
	for _, opt := range controlOpts {
		opt(c)
	}
	return c, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.quotaProject != "" {
		req.Header.Set("X-Goog-User-Project", c.quotaProject)
	}
}

// isNotFound reports whether a googleapi.Error represents a missing
// resource, one of the signals the refresher uses to treat a failure as
// terminal (the other is a 403 permission denial, see statusError).
func isNotFound(err error) bool {
	var gerr *googleapi.Error
	if e, ok := err.(*googleapi.Error); ok {
		gerr = e
	}
	return gerr != nil && gerr.Code == http.StatusNotFound
}

// GetConnectionInfo fetches the reachable addresses and identity of one
// instance.
func (c *Client) GetConnectionInfo(ctx context.Context, uri instance.URI) (ConnectionInfoResponse, error) {
	u := fmt.Sprintf("%s/%s/connectionInfo", c.endpoint, uri.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ConnectionInfoResponse{}, err
	}
	c.setHeaders(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return ConnectionInfoResponse{}, errtype.NewControlPlaneError(
			"failed to get instance metadata", uri.String(), 0, false, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusMultipleChoices {
		return ConnectionInfoResponse{}, statusError(res, uri)
	}

	var out ConnectionInfoResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return ConnectionInfoResponse{}, errtype.NewControlPlaneError(
			"failed to decode connectionInfo response", uri.String(), res.StatusCode, false, err)
	}
	out.ServerResponse = googleapi.ServerResponse{Header: res.Header, HTTPStatusCode: res.StatusCode}
	return out, nil
}

// GenerateClientCertificate mints a signed certificate chain for the given
// PEM-encoded public key.
func (c *Client) GenerateClientCertificate(ctx context.Context, uri instance.URI, publicKeyPEM []byte) (CertificateResponse, error) {
	u := fmt.Sprintf("%s/%s:generateClientCertificate", c.endpoint, uri.Parent())
	body, err := json.Marshal(generateClientCertificateRequest{
		PublicKey: string(publicKeyPEM),
	})
	if err != nil {
		return CertificateResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return CertificateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return CertificateResponse{}, errtype.NewControlPlaneError(
			"failed to generate client certificate", uri.String(), 0, false, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusMultipleChoices {
		return CertificateResponse{}, statusError(res, uri)
	}

	var out CertificateResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return CertificateResponse{}, errtype.NewControlPlaneError(
			"failed to decode certificate response", uri.String(), res.StatusCode, false, err)
	}
	if len(out.PemCertificateChain) == 0 {
		return CertificateResponse{}, errtype.NewControlPlaneError(
			"certificate response contained an empty chain", uri.String(), res.StatusCode, false, nil)
	}
	out.ServerResponse = googleapi.ServerResponse{Header: res.Header, HTTPStatusCode: res.StatusCode}
	return out, nil
}

func statusError(res *http.Response, uri instance.URI) error {
	body, _ := io.ReadAll(res.Body)
	gerr := &googleapi.Error{
		Code:   res.StatusCode,
		Header: res.Header,
		Body:   string(body),
	}
	terminal := isNotFound(gerr) || res.StatusCode == http.StatusForbidden
	return errtype.NewControlPlaneError(
		"control plane request failed", uri.String(), res.StatusCode, terminal, gerr)
}
