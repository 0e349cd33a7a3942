// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

const (
	// LocalIDPrefix marks session ids synthesized without the authority
	LocalIDPrefix = "temp_"

	localSuffixLength = 9
	base36Alphabet    = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// LocalIDPattern matches ids produced by GenerateLocalID
var LocalIDPattern = regexp.MustCompile(`^temp_\d+_[0-9a-z]{9}$`)

// GenerateLocalID returns temp_<unix-millis>_<9 base36 chars>
func GenerateLocalID(now time.Time) string {
	return fmt.Sprintf("%s%d_%s", LocalIDPrefix, now.UnixMilli(), randomBase36(localSuffixLength))
}

// IsLocalID reports whether id was synthesized client-side
func IsLocalID(id string) bool {
	return LocalIDPattern.MatchString(id)
}

func randomBase36(n int) string {
	out := make([]byte, n)
	limit := big.NewInt(int64(len(base36Alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			// Fall back to a time-derived digit if crypto/rand fails
			out[i] = base36Alphabet[(time.Now().UnixNano()+int64(i))%int64(len(base36Alphabet))]
			continue
		}
		out[i] = base36Alphabet[idx.Int64()]
	}
	return string(out)
}
