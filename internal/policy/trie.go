package policy

import "strings"

// DomainTrie indexes rules by reversed dot-segments of their domain
// pattern. Exact-domain rules are additionally held in a hash map so the
// common case is a single map lookup. The trie is immutable once built;
// updates construct a fresh trie and swap the pointer in the matcher.
type DomainTrie struct {
	exact map[string][]*Rule
	root  *trieNode
	size  int
}

type trieNode struct {
	children map[string]*trieNode
	// single fires when the query has exactly one segment beyond this
	// node's path, multi for one or more.
	single []*Rule
	multi  []*Rule
}

// NewDomainTrie builds a trie from compiled rules.
func NewDomainTrie(rules []*Rule) *DomainTrie {
	t := &DomainTrie{
		exact: make(map[string][]*Rule),
		root:  &trieNode{},
		size:  len(rules),
	}
	for _, r := range rules {
		if r.kind == domainExact {
			t.exact[r.Domain] = append(t.exact[r.Domain], r)
			continue
		}
		n := t.root
		for _, seg := range r.suffix {
			if n.children == nil {
				n.children = make(map[string]*trieNode)
			}
			child, ok := n.children[seg]
			if !ok {
				child = &trieNode{}
				n.children[seg] = child
			}
			n = child
		}
		if r.kind == domainSingle {
			n.single = append(n.single, r)
		} else {
			n.multi = append(n.multi, r)
		}
	}
	return t
}

// Lookup returns every rule whose domain pattern matches host, in no
// particular order. Host must not carry a port.
func (t *DomainTrie) Lookup(host string) []*Rule {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return nil
	}

	var out []*Rule
	out = append(out, t.exact[host]...)

	segs := reverseSegments(host)
	n := t.root
	for i := 0; i < len(segs); i++ {
		// Wildcards attached here cover the segments consumed so far;
		// the remainder is what the wildcard must absorb.
		remaining := len(segs) - i
		if remaining >= 1 {
			out = append(out, n.multi...)
		}
		if remaining == 1 {
			out = append(out, n.single...)
		}
		child, ok := n.children[segs[i]]
		if !ok {
			return out
		}
		n = child
	}
	// All query segments consumed: the host equals a pattern suffix
	// exactly, so no wildcard at this node has anything left to absorb.
	return out
}

// Size returns the number of rules indexed.
func (t *DomainTrie) Size() int { return t.size }
