package version

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.relaykit.dev/messaging"
)

// Registry holds converters per message type and resolves conversion paths.
// It is write-rare, read-mostly; found paths are cached until the converter
// set changes.
type Registry struct {
	mu         sync.RWMutex
	converters map[string][]Converter
	pathCache  map[pathKey]Path
}

type pathKey struct {
	msgType string
	from    Version
	to      Version
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		converters: make(map[string][]Converter),
		pathCache:  make(map[pathKey]Path),
	}
}

// Register adds a converter and invalidates the path cache. An inverted
// range is a configuration error.
func (r *Registry) Register(c Converter) error {
	min, max := c.Range()
	if max.Less(min) {
		return messaging.NewError(messaging.ErrKindConfiguration, messaging.CodeBadConfig,
			fmt.Sprintf("converter for %s has inverted range %s..%s", c.MessageType(), min, max), nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.converters[c.MessageType()] = append(r.converters[c.MessageType()], c)
	r.pathCache = make(map[pathKey]Path)
	return nil
}

// Clear removes all converters and cached paths.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.converters = make(map[string][]Converter)
	r.pathCache = make(map[pathKey]Path)
}

// FindPath returns the shortest chain of converter steps from one version to
// another, or nil when no chain exists. Equal endpoints yield the empty path.
// A direct converter always wins over multi-step chains.
func (r *Registry) FindPath(msgType string, from, to Version) Path {
	if from == to {
		return Path{}
	}

	key := pathKey{msgType: msgType, from: from, to: to}
	r.mu.RLock()
	if p, ok := r.pathCache[key]; ok {
		r.mu.RUnlock()
		return p
	}
	convs := r.converters[msgType]
	r.mu.RUnlock()

	p := shortestPath(convs, from, to)
	if p == nil {
		return nil
	}

	r.mu.Lock()
	r.pathCache[key] = p
	r.mu.Unlock()
	return p
}

// ConvertTo migrates the message to the target version, stamping the new
// version into its metadata. Converter failures are wrapped with the index of
// the failing step.
func (r *Registry) ConvertTo(ctx context.Context, msg *messaging.Envelope, target Version) (*messaging.Envelope, error) {
	from, err := VersionOf(msg)
	if err != nil {
		return nil, err
	}

	name := msg.Name
	path := r.FindPath(name, from, target)
	if path == nil {
		return nil, messaging.NewError(messaging.ErrKindConversion, messaging.CodeConversionMissing,
			fmt.Sprintf("no conversion path for %s from %s to %s", name, from, target),
			messaging.ErrConversionMissing)
	}

	for i, step := range path {
		msg, err = step.Converter.Convert(ctx, msg, step.From, step.To)
		if err != nil {
			return nil, messaging.NewError(messaging.ErrKindConversion, messaging.CodeConversionFailed,
				fmt.Sprintf("conversion of %s failed at step %d (%s to %s)", name, i, step.From, step.To), err)
		}
		msg.SetMeta(MetaVersion, step.To.String())
	}
	return msg, nil
}

// Validate checks whether the message can be consumed at the target version.
// A message at a newer version with the same major is valid; an older or
// major-incompatible version is valid only if a conversion path exists.
// Warnings report non-fatal findings such as deprecated metadata usage.
func (r *Registry) Validate(msg *messaging.Envelope, target Version) (warnings []string, err error) {
	from, err := VersionOf(msg)
	if err != nil {
		return nil, err
	}

	if _, ok := msg.Meta("deprecated"); ok {
		warnings = append(warnings, fmt.Sprintf("message %s uses deprecated metadata", msg.Name))
	}

	if from == target {
		return warnings, nil
	}
	if from.Compatible(target) && target.Less(from) {
		return warnings, nil
	}
	if r.FindPath(msg.Name, from, target) == nil {
		return warnings, messaging.NewError(messaging.ErrKindConversion, messaging.CodeConversionMissing,
			fmt.Sprintf("message %s at %s cannot reach %s", msg.Name, from, target),
			messaging.ErrConversionMissing)
	}
	return warnings, nil
}

// shortestPath runs a breadth-first search over the version graph. Nodes are
// the endpoints of registered ranges plus the search endpoints; an edge joins
// two versions covered by the same converter.
func shortestPath(convs []Converter, from, to Version) Path {
	// Direct hit short-circuits the search.
	for _, c := range convs {
		if covers(c, from) && covers(c, to) {
			return Path{{From: from, To: to, Converter: c}}
		}
	}

	nodes := map[Version]struct{}{from: {}, to: {}}
	for _, c := range convs {
		min, max := c.Range()
		nodes[min] = struct{}{}
		nodes[max] = struct{}{}
	}
	// Stable neighbor order keeps searches deterministic.
	ordered := make([]Version, 0, len(nodes))
	for v := range nodes {
		ordered = append(ordered, v)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Less(ordered[j]) })

	type visit struct {
		ver  Version
		path Path
	}
	queue := []visit{{ver: from}}
	seen := map[Version]struct{}{from: {}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, next := range ordered {
			if _, done := seen[next]; done {
				continue
			}
			c := edge(convs, cur.ver, next)
			if c == nil {
				continue
			}
			path := append(append(Path{}, cur.path...), Step{From: cur.ver, To: next, Converter: c})
			if next == to {
				return path
			}
			seen[next] = struct{}{}
			queue = append(queue, visit{ver: next, path: path})
		}
	}
	return nil
}

// edge returns a converter covering both versions, or nil.
func edge(convs []Converter, a, b Version) Converter {
	for _, c := range convs {
		if covers(c, a) && covers(c, b) {
			return c
		}
	}
	return nil
}

func covers(c Converter, v Version) bool {
	min, max := c.Range()
	return !v.Less(min) && !max.Less(v)
}
