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

import "time"

// refreshBuffer is the amount of time before a certificate's expiration
// at which a new refresh cycle starts.
const refreshBuffer = 4 * time.Minute

// refreshDelay returns the duration to wait before starting the next
// refresh cycle, given a certificate's expiration and the current time.
//
//   - if the certificate is valid for more than an hour, wait half that time
//   - if it's valid for between 4 minutes and an hour, wait until 4 minutes
//     before expiration
//   - otherwise, refresh immediately
func refreshDelay(expiration, now time.Time) time.Duration {
	d := expiration.Sub(now)
	if d > time.Hour {
		return d / 2
	}
	if d > refreshBuffer {
		return d - refreshBuffer
	}
	return 0
}
