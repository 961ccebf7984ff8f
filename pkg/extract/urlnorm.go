// Package extract implements URL normalization/dedup (spec §4.4.3) and
// the extraction cascade + quality heuristics (spec §4.4.2).
package extract

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/justnews/fabric/pkg/apierr"
)

var defaultTrackingParams = []string{"gclid", "fbclid", "msclkid", "mc_cid", "mc_eid"}

func isTrackingParam(key string) bool {
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	for _, p := range defaultTrackingParams {
		if key == p {
			return true
		}
	}
	return false
}

// Normalize implements the "strict" normalization mode (spec §4.4.3):
// lowercase host, drop fragment, strip tracking params, honor an
// explicit canonical override when the caller already resolved one
// from <link rel="canonical">.
func Normalize(rawURL, canonical string) (string, error) {
	target := rawURL
	if canonical != "" {
		target = canonical
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", apierr.Wrap("extract.normalize", apierr.KindValidation, err, "unparseable URL")
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if isTrackingParam(strings.ToLower(key)) {
			q.Del(key)
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	newQ := url.Values{}
	for _, k := range keys {
		for _, v := range q[k] {
			newQ.Add(k, v)
		}
	}
	u.RawQuery = newQ.Encode()

	if u.Path != "" && u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// HashURL hashes normalizedURL with the configured algorithm
// (ARTICLE_URL_HASH_ALGO: sha256 | sha1 | blake2b).
func HashURL(normalizedURL, algo string) (string, error) {
	switch strings.ToLower(algo) {
	case "", "sha256":
		sum := sha256.Sum256([]byte(normalizedURL))
		return hex.EncodeToString(sum[:]), nil
	case "sha1":
		sum := sha1.Sum([]byte(normalizedURL))
		return hex.EncodeToString(sum[:]), nil
	case "blake2b":
		sum := blake2b.Sum256([]byte(normalizedURL))
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", apierr.New("extract.hash_url", apierr.KindValidation, "unsupported url hash algorithm")
	}
}
