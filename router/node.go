package router

import "sync"

// node is one segment level of the per-method radix tree (spec §3's Radix
// Node). Static children are kept in a map for O(1) exact lookup; the
// parameter and wildcard children are separate fields so at most one of
// each can exist per node, as the data model requires.
type node struct {
	children map[string]*node // literal segment -> child

	param     *node // ":param" child, at most one per node
	paramName string
	paramKind string // matcher kind for param, "" means "any"

	wild     *node // "*" child, at most one per node, always terminal
	wildName string

	routes map[string]*Route // method -> compiled route, only set on terminal nodes

	priority int
}

func newNode() *node {
	return &node{children: make(map[string]*node, 4)}
}

// insert descends/creates nodes for segments starting at n and returns the
// terminal node.
func (n *node) insert(segs []segment, registry *MatcherRegistry, warn func(string)) *node {
	curr := n
	for _, s := range segs {
		switch s.kind {
		case segLiteral:
			child, ok := curr.children[s.text]
			if !ok {
				child = newNode()
				curr.children[s.text] = child
			}
			curr = child

		case segParam:
			if curr.param == nil {
				curr.param = newNode()
				curr.param.paramName = s.param
				curr.param.paramKind = s.kindName
			} else if curr.param.paramName != s.param || curr.param.paramKind != s.kindName {
				if warn != nil {
					warn("ambiguous parameter at same tree position: existing :" + curr.param.paramName +
						"<" + curr.param.paramKind + "> vs new :" + s.param + "<" + s.kindName + ">")
				}
			}
			if s.kindName != "" {
				if _, ok := registry.Lookup(s.kindName); !ok && warn != nil {
					warn("unknown parameter kind " + s.kindName + " for :" + s.param)
				}
			}
			curr = curr.param

		case segWildcard:
			if curr.wild == nil {
				curr.wild = newNode()
				curr.wild.wildName = s.param
			}
			curr = curr.wild
		}
	}
	return curr
}

// partsPool recycles []string slices used by the caller to split request
// paths, keeping the hot resolve path allocation-free for the common case
// (teacher's internal/router/router.go splitPath/putParts idiom).
var partsPool = sync.Pool{
	New: func() any {
		s := make([]string, 0, 16)
		return &s
	},
}

func getParts() *[]string { return partsPool.Get().(*[]string) }
func putParts(p *[]string) {
	*p = (*p)[:0]
	partsPool.Put(p)
}

func splitRequestPath(path string) *[]string {
	ptr := getParts()
	parts := (*ptr)[:0]
	start := 0
	if len(path) > 0 && path[0] == '/' {
		start = 1
	}
	for i := start; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	*ptr = parts
	return ptr
}

// match performs priority-ordered descent: literal, then parameter (kind
// validated if present), then wildcard (spec §4.1 Resolution / §9 Open
// Questions ambiguity order: literal > parameter-with-kind > bare-parameter
// > wildcard — a kind-bearing parameter only ever competes against a
// wildcard at the same node since at most one parameter child can exist).
func (n *node) match(method string, parts []string, idx int, registry *MatcherRegistry, params map[string]string) *Route {
	if idx == len(parts) {
		if n.routes != nil {
			if r := n.routes[method]; r != nil {
				return r
			}
		}
		// A wildcard at this node still matches a request with zero
		// trailing segments (spec §8: "Wildcard at end consumes all
		// remaining segments, including empty").
		if n.wild != nil && n.wild.routes != nil {
			if r := n.wild.routes[method]; r != nil {
				params[n.wild.wildName] = ""
				return r
			}
		}
		return nil
	}

	seg := parts[idx]

	if child, ok := n.children[seg]; ok {
		if r := child.match(method, parts, idx+1, registry, params); r != nil {
			return r
		}
	}

	if n.param != nil {
		ok := true
		if n.param.paramKind != "" {
			if m, found := registry.Lookup(n.param.paramKind); found {
				ok = m.Match(seg)
			}
		}
		if ok {
			params[n.param.paramName] = seg
			if r := n.param.match(method, parts, idx+1, registry, params); r != nil {
				return r
			}
			delete(params, n.param.paramName)
		}
	}

	if n.wild != nil {
		rest := seg
		for i := idx + 1; i < len(parts); i++ {
			rest += "/" + parts[i]
		}
		params[n.wild.wildName] = rest
		if n.wild.routes != nil {
			if r := n.wild.routes[method]; r != nil {
				return r
			}
		}
		delete(params, n.wild.wildName)
	}

	return nil
}

// walk invokes fn for every terminal route reachable from n, used by
// Router.List (and through it, Visualize).
func (n *node) walk(fn func(*Route)) {
	if n.routes != nil {
		for _, r := range n.routes {
			fn(r)
		}
	}
	for _, c := range n.children {
		c.walk(fn)
	}
	if n.param != nil {
		n.param.walk(fn)
	}
	if n.wild != nil {
		n.wild.walk(fn)
	}
}
