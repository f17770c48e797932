// Package policy implements the rule vocabulary and evaluation engine of
// spec §4.2: given a job, it produces a permission set for every
// workflow item and answers may_access queries against those sets.
package policy

import (
	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
)

// RuleKind discriminates the rule vocabulary's tagged variants, replacing
// the dynamic-dispatch-by-type-test the source uses.
type RuleKind string

const (
	// MayAccess grants Target (a party or party_collection pattern)
	// direct access to Pattern (an asset or asset_collection pattern).
	MayAccess RuleKind = "may_access"
	// ResultOfDataIn says any result derived from a data input matching
	// Pattern is itself a member of the asset_collection Target.
	ResultOfDataIn RuleKind = "result_of_data_in"
	// ResultOfComputeIn is ResultOfDataIn's analogue for the compute
	// asset binding a step uses.
	ResultOfComputeIn RuleKind = "result_of_compute_in"
	// MayAccessCollection grants Target access to every member of the
	// asset_collection Pattern.
	MayAccessCollection RuleKind = "may_access_collection"
	// PartyCollectionMember records that Pattern (a party) belongs to
	// the party_collection Target. The abstract rule vocabulary in §3
	// names "a party_collection containing who" in the may_access
	// definition but leaves its membership source unspecified (group
	// membership management is external, like signature verification);
	// this is the minimal fact needed to make that chain operational.
	PartyCollectionMember RuleKind = "party_collection_member"
)

// Rule is one policy statement, sourced from a namespace's PolicySource.
// Field meaning depends on Kind; see the constants above.
type Rule struct {
	Kind    RuleKind
	Pattern identifier.Identifier
	Target  identifier.Identifier
}

// Validate checks a rule's arity/kind consistency at ingestion time —
// the point §9 places rule-signature and shape verification at.
func (r Rule) Validate() error {
	if r.Kind == "" {
		return ddmerrors.New(ddmerrors.MalformedRule, "rule has no kind")
	}
	switch r.Kind {
	case MayAccess, ResultOfDataIn, ResultOfComputeIn, MayAccessCollection, PartyCollectionMember:
	default:
		return ddmerrors.New(ddmerrors.MalformedRule, "unknown rule kind").WithDetails("kind", string(r.Kind))
	}
	if r.Pattern == "" || r.Target == "" {
		return ddmerrors.New(ddmerrors.MalformedRule, "rule is missing a pattern or target")
	}
	return nil
}

// PolicySource resolves the rule set a namespace authority publishes.
// The registry replica is consulted to find which namespace a given
// identifier belongs to; this interface is what actually serves the
// rules once the namespace is known.
type PolicySource interface {
	RulesFor(namespace string) ([]Rule, error)
}

// SiteResolver resolves the party standing behind a site's requests —
// may_access is defined over parties and party_collections, but the step
// runner queries it with a site identifier; a site is understood to
// request on behalf of its owning party.
type SiteResolver interface {
	OwnerOf(site identifier.Identifier) (identifier.Identifier, error)
}
