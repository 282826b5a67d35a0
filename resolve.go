package zb

import (
	"errors"
	"sort"
)

// ResolveClosure computes the transitive dependency closure of root and
// returns it in a stable topological order: dependencies precede
// dependents, and among nodes that are simultaneously ready, the
// lexicographically smallest name is emitted first. The algorithm is a
// direct port of the closure-then-Kahn's-algorithm shape used by the
// formula resolver this module was distilled from: an explicit-stack DFS
// builds the closure (pushing sorted dependency names so traversal order
// is deterministic), then indegree/adjacency maps restricted to that
// closure feed a topological sort whose "ready" frontier is always
// resolved in sorted order.
func ResolveClosure(root string, formulas map[string]*Formula) ([]string, error) {
	closure, err := computeClosure(root, formulas)
	if err != nil {
		return nil, err
	}
	return topoSort(closure, formulas)
}

// ResolveClosureMulti is ResolveClosure generalized to more than one
// requested formula at once (an `install a b c` invocation): it unions
// each root's closure before building the graph and sorting, so a
// dependency shared between two requested formulas appears once in the
// result, at the position its first topological predecessor requires.
func ResolveClosureMulti(roots []string, formulas map[string]*Formula) ([]string, error) {
	closure := make(map[string]bool)
	sortedRoots := append([]string(nil), roots...)
	sort.Strings(sortedRoots)
	for _, root := range sortedRoots {
		rootClosure, err := computeClosure(root, formulas)
		if err != nil {
			return nil, err
		}
		for name := range rootClosure {
			closure[name] = true
		}
	}
	return topoSort(closure, formulas)
}

// topoSort runs Kahn's algorithm over closure with a lexicographically
// sorted ready frontier, shared by ResolveClosure and
// ResolveClosureMulti once each has built its own closure set.
func topoSort(closure map[string]bool, formulas map[string]*Formula) ([]string, error) {
	indegree, adjacency, err := buildGraph(closure, formulas)
	if err != nil {
		return nil, err
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]string, 0, len(closure))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, name)

		children := adjacency[name]
		sort.Strings(children)
		for _, child := range children {
			indegree[child]--
			if indegree[child] == 0 {
				ready = insertSorted(ready, child)
			}
		}
	}

	if len(ordered) != len(closure) {
		var cycle []string
		for name, n := range indegree {
			if n > 0 {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return nil, &Error{Kind: KindCyclicDependency, Message: "dependency cycle", cause: &cyclicDependencyDetail{path: cycle}}
	}

	return ordered, nil
}

type cyclicDependencyDetail struct{ path []string }

func (d *cyclicDependencyDetail) Error() string { return "cycle among: " + joinComma(d.path) }

// CyclePath extracts the cycle's node names from a CyclicDependency
// error returned by ResolveClosure, if any.
func CyclePath(err error) ([]string, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return nil, false
	}
	if e.Kind != KindCyclicDependency {
		return nil, false
	}
	if d, ok := e.cause.(*cyclicDependencyDetail); ok {
		return d.path, true
	}
	return nil, false
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func computeClosure(root string, formulas map[string]*Formula) (map[string]bool, error) {
	closure := make(map[string]bool)
	stack := []string{root}

	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if closure[name] {
			continue
		}
		closure[name] = true

		f, ok := formulas[name]
		if !ok {
			return nil, newErr(KindFormulaNotFound, name, "resolve", "formula not found", nil)
		}

		deps := append([]string(nil), f.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if !closure[dep] {
				stack = append(stack, dep)
			}
		}
	}

	return closure, nil
}

func buildGraph(closure map[string]bool, formulas map[string]*Formula) (map[string]int, map[string][]string, error) {
	indegree := make(map[string]int, len(closure))
	for name := range closure {
		indegree[name] = 0
	}
	adjacency := make(map[string][]string)

	names := make([]string, 0, len(closure))
	for name := range closure {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f, ok := formulas[name]
		if !ok {
			return nil, nil, newErr(KindFormulaNotFound, name, "resolve", "formula not found", nil)
		}
		deps := append([]string(nil), f.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if !closure[dep] {
				continue
			}
			indegree[name]++
			adjacency[dep] = append(adjacency[dep], name)
		}
	}

	return indegree, adjacency, nil
}

func joinComma(s []string) string {
	out := ""
	for i, v := range s {
		if i > 0 {
			out += ", "
		}
		out += v
	}
	return out
}
