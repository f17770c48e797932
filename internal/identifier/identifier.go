// Package identifier implements the typed, content-addressable naming
// model shared by every other ddm package: parties, sites, assets and
// their derived results are all named by an Identifier.
package identifier

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/ddm-net/ddm/internal/ddmerrors"
)

// Kind discriminates the six identifier forms plus the wildcard.
type Kind string

const (
	KindParty           Kind = "party"
	KindPartyCollection Kind = "party_collection"
	KindSite            Kind = "site"
	KindAsset           Kind = "asset"
	KindAssetCollection Kind = "asset_collection"
	KindResult          Kind = "result"
	KindWildcard        Kind = "*"
)

// Wildcard is the single-character identifier used exclusively in rules.
const Wildcard = "*"

var partLengths = map[Kind]int{
	KindParty:           3,
	KindPartyCollection: 3,
	KindSite:            3,
	KindAsset:           5,
	KindAssetCollection: 3,
	KindResult:          2,
}

var partRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]*$`)

// Identifier is a value type: two Identifiers with the same string
// representation are the same identifier.
type Identifier string

// Parse validates s against the identifier grammar and returns it as an
// Identifier, or a MalformedId error.
func Parse(s string) (Identifier, error) {
	if s == Wildcard {
		return Identifier(s), nil
	}

	parts := strings.Split(s, ":")
	if len(parts) == 0 {
		return "", malformed(s, "empty identifier")
	}

	kind := Kind(parts[0])
	wantLen, known := partLengths[kind]
	if !known {
		return "", malformed(s, "unknown kind "+parts[0])
	}
	if len(parts) != wantLen {
		return "", malformed(s, "wrong part count for kind "+parts[0])
	}

	if kind == KindResult {
		if !isHex(parts[1]) {
			return "", malformed(s, "result digest must be lowercase hex")
		}
		return Identifier(s), nil
	}

	for _, p := range parts[1:] {
		if !partRegex.MatchString(p) {
			return "", malformed(s, "segment does not match [A-Za-z0-9_.-]*: "+p)
		}
	}

	return Identifier(s), nil
}

// MustParse parses s, panicking on failure. Reserved for literals built
// from trusted, compile-time-constant strings.
func MustParse(s string) Identifier {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

func malformed(s, reason string) error {
	return ddmerrors.New(ddmerrors.MalformedId, "malformed identifier").
		WithDetails("identifier", s).
		WithDetails("reason", reason)
}

// Kind returns the identifier's kind, or KindWildcard for "*".
func (id Identifier) Kind() Kind {
	if string(id) == Wildcard {
		return KindWildcard
	}
	parts := strings.SplitN(string(id), ":", 2)
	return Kind(parts[0])
}

// Parts splits the identifier on ":".
func (id Identifier) Parts() []string {
	return strings.Split(string(id), ":")
}

// Namespace returns the identifier's owning namespace. Defined for every
// kind except result and the wildcard.
func (id Identifier) Namespace() (string, error) {
	if id.Kind() == KindResult {
		return "", ddmerrors.New(ddmerrors.NotNamespaced, "result identifiers have no namespace").
			WithDetails("identifier", string(id))
	}
	if id.Kind() == KindWildcard {
		return "", ddmerrors.New(ddmerrors.NotNamespaced, "wildcard has no namespace")
	}
	return id.Parts()[1], nil
}

// Location returns the site identifier hosting a concrete asset. Defined
// only for `asset:` identifiers with five parts.
func (id Identifier) Location() (Identifier, error) {
	if id.Kind() != KindAsset {
		return "", ddmerrors.New(ddmerrors.NotLocatable, "location is only defined for concrete asset identifiers").
			WithDetails("identifier", string(id))
	}
	parts := id.Parts()
	return Identifier("site:" + parts[3] + ":" + parts[4]), nil
}

// Name returns the identifier's local name segment (parts[2] for
// party/site/collection kinds, parts[2] for asset kinds too).
func (id Identifier) Name() (string, error) {
	if id.Kind() == KindResult || id.Kind() == KindWildcard {
		return "", ddmerrors.New(ddmerrors.MalformedId, "identifier has no name segment").
			WithDetails("identifier", string(id))
	}
	return id.Parts()[2], nil
}

// IDHash computes the SHA-256 digest of payload and returns it as a
// lowercase-hex string suitable for FromIDHash.
func IDHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// FromIDHash constructs the result: identifier naming the asset derived
// from the job sub-DAG whose canonical encoding hashes to h.
func FromIDHash(h string) Identifier {
	return Identifier("result:" + h)
}

// Matches reports whether pattern (an identifier that may contain "*" in
// place of whole segments, or be the bare wildcard) matches id. A
// pattern segment of "*" matches any value at that position; the kind
// segment must match exactly unless the whole pattern is "*".
func Matches(pattern, id Identifier) bool {
	if string(pattern) == Wildcard {
		return true
	}
	pp := pattern.Parts()
	ip := id.Parts()
	if len(pp) != len(ip) {
		return false
	}
	for i := range pp {
		if pp[i] == "*" {
			continue
		}
		if pp[i] != ip[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (id Identifier) String() string { return string(id) }
