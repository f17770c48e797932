package policy

import (
	"sort"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/workflow"
)

// PermissionSet is the set of collections (plus the item's own identifier,
// when it has one) an item is considered a member of for access-control
// purposes. The zero value is the empty set.
type PermissionSet struct {
	members map[identifier.Identifier]bool
}

func newPermissionSet(self ...identifier.Identifier) PermissionSet {
	p := PermissionSet{members: make(map[identifier.Identifier]bool)}
	for _, id := range self {
		if id != "" {
			p.members[id] = true
		}
	}
	return p
}

func (p PermissionSet) clone() PermissionSet {
	cp := newPermissionSet()
	for k := range p.members {
		cp.members[k] = true
	}
	return cp
}

func (p PermissionSet) add(id identifier.Identifier) {
	p.members[id] = true
}

// Has reports whether collection is one of the item's member collections.
func (p PermissionSet) Has(collection identifier.Identifier) bool {
	return p.members[collection]
}

// Collections returns the member collections in sorted order, for
// deterministic logging and tests.
func (p PermissionSet) Collections() []identifier.Identifier {
	out := make([]identifier.Identifier, 0, len(p.members))
	for k := range p.members {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func intersect(a, b PermissionSet) PermissionSet {
	out := newPermissionSet()
	for k := range a.members {
		if b.members[k] {
			out.members[k] = true
		}
	}
	return out
}

// Evaluator computes permission sets for a job's items and answers
// may_access queries against them (spec §4.2).
type Evaluator struct {
	rules NamespaceResolver
	sites SiteResolver
}

// NamespaceResolver is an alias of PolicySource kept distinct so call
// sites name the role they're using it for.
type NamespaceResolver = PolicySource

// New builds an Evaluator. sites may be nil if may_access is never
// queried with a site identifier (e.g. in isolated unit tests).
func New(rules NamespaceResolver, sites SiteResolver) *Evaluator {
	return &Evaluator{rules: rules, sites: sites}
}

func (e *Evaluator) rulesForNamespace(ns string) ([]Rule, error) {
	if e.rules == nil {
		return nil, nil
	}
	rules, err := e.rules.RulesFor(ns)
	if err != nil {
		return nil, ddmerrors.Wrap(ddmerrors.UnknownNamespace, "resolving policy source", err)
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

// PrimaryPermissionSet computes the permission set of a primary asset
// directly from its own identifier — the same rule-matching Evaluate
// performs for each of a job's workflow inputs. Used both there and by a
// site's serve-time access gate when recomputing access for an asset
// whose stored metadata carries no producing job (spec.md's asset
// metadata/item model, §3).
func (e *Evaluator) PrimaryPermissionSet(assetID identifier.Identifier) (PermissionSet, error) {
	ns, err := assetID.Namespace()
	if err != nil {
		return PermissionSet{}, err
	}
	rules, err := e.rulesForNamespace(ns)
	if err != nil {
		return PermissionSet{}, err
	}
	base := newPermissionSet(assetID)
	for _, r := range rules {
		if r.Kind == ResultOfDataIn && identifier.Matches(r.Pattern, assetID) {
			base.add(r.Target)
		}
	}
	return base, nil
}

// Evaluate computes the permission set of every item in job: each declared
// workflow input, each step's compute binding, each step input edge, and
// each step output. Items are keyed "<key>" for workflow inputs,
// "<step>" for compute bindings, and "<step>.<name>" for input edges and
// outputs.
func (e *Evaluator) Evaluate(job workflow.Job) (map[string]PermissionSet, error) {
	order, err := job.Workflow.TopoOrder()
	if err != nil {
		return nil, err
	}

	perm := make(map[string]PermissionSet)

	for key, assetID := range job.Inputs {
		base, err := e.PrimaryPermissionSet(assetID)
		if err != nil {
			return nil, err
		}
		perm[key] = base
	}

	for _, step := range order {
		ns, err := step.ComputeAssetID.Namespace()
		if err != nil {
			return nil, err
		}
		computeRules, err := e.rulesForNamespace(ns)
		if err != nil {
			return nil, err
		}
		computeMatched := newPermissionSet()
		for _, r := range computeRules {
			if r.Kind == ResultOfComputeIn && identifier.Matches(r.Pattern, step.ComputeAssetID) {
				computeMatched.add(r.Target)
			}
		}
		perm[step.Name] = newPermissionSet(step.ComputeAssetID)
		for k := range computeMatched.members {
			perm[step.Name].add(k)
		}

		inputNames := make([]string, 0, len(step.Inputs))
		for name := range step.Inputs {
			inputNames = append(inputNames, name)
		}
		sort.Strings(inputNames)

		var edgeLabels []string
		for _, name := range inputNames {
			// An input's source is already either a workflow input key or
			// a "<step>.<output>" selector, both of which are exactly the
			// labels used as map keys below.
			sourceLabel := step.Inputs[name]
			sourcePerm, ok := perm[sourceLabel]
			if !ok {
				return nil, ddmerrors.New(ddmerrors.UndefinedItem, "step input references unresolved source").
					WithDetails("step", step.Name).WithDetails("source", sourceLabel)
			}
			edgeLabel := step.Name + "." + name
			perm[edgeLabel] = sourcePerm
			edgeLabels = append(edgeLabels, edgeLabel)
		}

		outCandidates := computeMatched
		for _, edgeLabel := range edgeLabels {
			outCandidates = intersect(outCandidates, perm[edgeLabel])
		}

		for _, output := range step.Outputs {
			resultID, err := workflow.ResultIdentifier(job, step.Name, output)
			if err != nil {
				return nil, err
			}
			outPerm := outCandidates.clone()
			outPerm.add(resultID)
			perm[step.Name+"."+output] = outPerm
		}
	}

	return perm, nil
}

// MayAccess reports whether who (a party, party_collection, or site —
// sites are resolved to their owning party) may access an item with the
// given permission set, per any chain of MayAccess/MayAccessCollection
// rules sourced from each member collection's own namespace.
func (e *Evaluator) MayAccess(perm PermissionSet, who identifier.Identifier) (bool, error) {
	resolvedWho := who
	if who.Kind() == identifier.KindSite {
		if e.sites == nil {
			return false, ddmerrors.New(ddmerrors.Internal, "may_access queried with a site but no SiteResolver is configured")
		}
		owner, err := e.sites.OwnerOf(who)
		if err != nil {
			return false, err
		}
		resolvedWho = owner
	}

	for collection := range perm.members {
		ok, err := e.grantsAccess(collection, resolvedWho)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) grantsAccess(collection, who identifier.Identifier) (bool, error) {
	switch collection.Kind() {
	case identifier.KindResult:
		// result: identifiers have no namespace; trust scoping has no
		// authority to consult, so they can only grant access when the
		// produced asset is also a member of a named collection (handled
		// by the other iterations of the member set).
		return false, nil
	}

	ns, err := collection.Namespace()
	if err != nil {
		return false, nil
	}
	rules, err := e.rulesForNamespace(ns)
	if err != nil {
		return false, err
	}

	var relevant []Rule
	switch collection.Kind() {
	case identifier.KindAssetCollection, identifier.KindAsset:
		for _, r := range rules {
			if r.Kind == MayAccess && identifier.Matches(r.Pattern, collection) {
				relevant = append(relevant, r)
			}
			if r.Kind == MayAccessCollection && identifier.Matches(r.Pattern, collection) {
				relevant = append(relevant, r)
			}
		}
	default:
		return false, nil
	}

	for _, r := range relevant {
		if e.partyMatches(r.Target, who, rules) {
			return true, nil
		}
	}
	return false, nil
}

// partyMatches reports whether target (a party or party_collection
// pattern from a rule) covers who, either directly or through a
// PartyCollectionMember fact in the same rule set.
func (e *Evaluator) partyMatches(target, who identifier.Identifier, rules []Rule) bool {
	if identifier.Matches(target, who) {
		return true
	}
	if target.Kind() != identifier.KindPartyCollection {
		return false
	}
	for _, r := range rules {
		if r.Kind == PartyCollectionMember && r.Pattern == who && identifier.Matches(target, r.Target) {
			return true
		}
	}
	return false
}
