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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
)

// keyBits is the size of the RSA keypair generated for certificate
// requests.
const keyBits = 2048

var (
	defaultKey    *rsa.PrivateKey
	defaultKeyErr error
	keyOnce       sync.Once
)

// DefaultKey returns a process-wide RSA keypair, generating it exactly
// once. Callers that don't supply their own key via WithRSAKey share this
// one, so the (comparatively expensive) keygen only happens once per
// process rather than once per instance.
func DefaultKey() (*rsa.PrivateKey, error) {
	keyOnce.Do(func() {
		defaultKey, defaultKeyErr = rsa.GenerateKey(rand.Reader, keyBits)
	})
	return defaultKey, defaultKeyErr
}

// GenerateKey produces a fresh RSA keypair suitable for a certificate
// request. This is CPU-bound. Refreshers do not call it: they use the
// configured key or DefaultKey.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, keyBits)
}

// publicKeyPEM PKIX-encodes the public half of key and wraps it in a PEM
// block, the form the control plane's certificate endpoint expects.
func publicKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
