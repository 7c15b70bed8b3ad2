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

// Package instance parses and represents the opaque identifier used to
// address a single database instance: the project/location/cluster/name
// tuple described in the connector's data model.
package instance

import (
	"fmt"
	"regexp"

	"github.com/nimbusdb/connector-go/errtype"
)

// uriRegex matches the canonical instance URI:
// 'projects/<PROJECT>/locations/<REGION>/clusters/<CLUSTER>/instances/<INSTANCE>'.
// Domain-scoped project IDs (e.g. "example.com:project") are supported.
var uriRegex = regexp.MustCompile(
	"projects/([^:]+(:[^:]+)?)/locations/([^:]+)/clusters/([^:]+)/instances/([^:]+)",
)

// URI identifies a single database instance.
type URI struct {
	Project string
	Region  string
	Cluster string
	Name    string
}

// String returns the canonical form of the URI.
func (u URI) String() string {
	return fmt.Sprintf(
		"projects/%s/locations/%s/clusters/%s/instances/%s",
		u.Project, u.Region, u.Cluster, u.Name,
	)
}

// Parent returns the URI of the instance's owning cluster, as used by the
// generateClientCertificate endpoint, which is scoped to a cluster rather
// than an individual instance.
func (u URI) Parent() string {
	return fmt.Sprintf("projects/%s/locations/%s/clusters/%s", u.Project, u.Region, u.Cluster)
}

// Parse parses a canonical instance URI into its component parts. All four
// components are required.
func Parse(uri string) (URI, error) {
	m := uriRegex.FindStringSubmatch(uri)
	if m == nil {
		return URI{}, errtype.NewConfigError(
			"invalid instance URI, expected "+
				"projects/<PROJECT>/locations/<REGION>/clusters/<CLUSTER>/instances/<INSTANCE>",
			uri,
		)
	}
	return URI{
		Project: m[1],
		Region:  m[3],
		Cluster: m[4],
		Name:    m[5],
	}, nil
}
