/***************************************************************
 *
 * Copyright (C) 2025, Vernis Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package mediacache

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// ErrEntryInvalid marks a cached URL that failed structural validation or
// the expiry safety check.  Callers treat it exactly like a cache miss.
var ErrEntryInvalid = errors.New("cached URL entry is invalid")

// Signature query parameters recognized on signed URLs, in the order we
// probe for them.  AWS-style V4 signatures are 64 hex characters; we
// accept anything hex of at least minSignatureLen so a truncated write is
// caught without pinning the exact provider format.
var signatureParams = []string{"X-Amz-Signature", "Signature", "sig"}

const (
	minSignatureLen = 32

	// Refresh nonce appended by the warm paths; 8 random bytes hex-encoded.
	nonceParam  = "vn"
	nonceHexLen = 16
)

// ValidateSignedURL checks that a cached URL string is structurally sound:
// parseable, absolute http(s), and carrying a well-formed signature
// parameter.  It does not verify the signature cryptographically -- only
// that a partial or corrupted write is never served.
func ValidateSignedURL(rawURL string) error {
	if rawURL == "" {
		return errors.Wrap(ErrEntryInvalid, "empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(ErrEntryInvalid, "unparseable URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Wrapf(ErrEntryInvalid, "unexpected scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.Wrap(ErrEntryInvalid, "missing host")
	}
	query := u.Query()
	// A truncated write can clip a trailing parameter while leaving the
	// signature itself intact, so every parameter must carry a value.
	for name, values := range query {
		for _, value := range values {
			if value == "" {
				return errors.Wrapf(ErrEntryInvalid, "parameter %s has no value", name)
			}
		}
	}
	if nonce := query.Get(nonceParam); nonce != "" {
		if len(nonce) != nonceHexLen || !isHex(nonce) {
			return errors.Wrapf(ErrEntryInvalid, "malformed %s parameter", nonceParam)
		}
	}
	for _, name := range signatureParams {
		sig := query.Get(name)
		if sig == "" {
			continue
		}
		if len(sig) < minSignatureLen || !isHex(sig) {
			return errors.Wrapf(ErrEntryInvalid, "malformed %s parameter", name)
		}
		return nil
	}
	return errors.Wrap(ErrEntryInvalid, "no signature parameter present")
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// EntryValid applies the full validity invariant: the entry must be more
// than safetyBuffer away from expiry and structurally well-formed.
func EntryValid(cachedURL string, expiresAt, now time.Time, safetyBuffer time.Duration) bool {
	if !now.Before(expiresAt.Add(-safetyBuffer)) {
		return false
	}
	return ValidateSignedURL(cachedURL) == nil
}

// JitterTTL adds up to 10% random slack to the nominal signing TTL.  The
// signing API is deterministic for identical (path, ttl) inputs, so
// without jitter a refresh could return a bit-identical URL and mask a
// silently failing signer.
func JitterTTL(base time.Duration) time.Duration {
	maxJitter := int64(base) / 10
	if maxJitter <= 0 {
		return base
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		return base
	}
	return base + time.Duration(n.Int64())
}

// NonceParams returns a fresh random query parameter set folded into the
// signature, guaranteeing every successful refresh yields a new URL string
// even for an unchanged path and timeout.
func NonceParams() url.Values {
	buf := make([]byte, nonceHexLen/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable elsewhere too; fall back
		// to a time-derived value rather than panic in a warm path.
		binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
	}
	return url.Values{nonceParam: []string{hex.EncodeToString(buf)}}
}
