// Package format implements FormatEnv: the registry of object formats
// and converters, and the breadth-first conversion-path search between
// them. Grounded on the teacher's multi-shape parsing idiom
// (ParseMCPConfigWithOptions tries one shape, falls back to another —
// the "detect before convert" pattern the Detector converter kind generalizes).
package format

import (
	"container/list"
	"fmt"

	"github.com/b-open-io/opensync/model"
)

// ObjectFormat is a concrete encoding of an objtype: vcard21, vcard30,
// plain file, and so on.
type ObjectFormat struct {
	Name    string
	ObjType model.ObjType

	Compare   func(a, b *model.Change) model.CompareResult
	Duplicate func(uid model.UID) model.UID
	CreateHash func(data []byte) string
}

// ConverterKind distinguishes a rewriting converter from one that only
// detects whether a blob matches a format.
type ConverterKind int

const (
	Conv ConverterKind = iota
	Desencap
	Encap
	Detector
)

// Converter is an edge between two ObjectFormats.
type Converter struct {
	Kind      ConverterKind
	Src, Dst  string // ObjectFormat names
	Loss      bool
	Extension string

	// Convert rewrites change's data/format in place. Detector
	// converters leave Convert nil and implement Detect instead.
	Convert func(change *model.Change) error
	// Detect answers "is this blob really format Dst?" without
	// rewriting. Only set on Detector converters.
	Detect func(data []byte) bool
}

// Env is the registry of formats and converters for one group: one
// FormatEnv instance is owned by EngineCore for the duration of
// initialize..finalize.
type Env struct {
	formats    map[string]*ObjectFormat
	converters map[string][]*Converter // keyed by Src format name
}

func NewEnv() *Env {
	return &Env{
		formats:    make(map[string]*ObjectFormat),
		converters: make(map[string][]*Converter),
	}
}

func (e *Env) RegisterFormat(f *ObjectFormat) {
	e.formats[f.Name] = f
}

func (e *Env) RegisterConverter(c *Converter) {
	e.converters[c.Src] = append(e.converters[c.Src], c)
}

func (e *Env) FindFormat(name string) (*ObjectFormat, bool) {
	f, ok := e.formats[name]
	return f, ok
}

// FindConverter returns the direct edge src -> dst, if registered.
func (e *Env) FindConverter(src, dst string) (*Converter, bool) {
	for _, c := range e.converters[src] {
		if c.Dst == dst {
			return c, true
		}
	}
	return nil, false
}

// DetectFormat runs every registered Detector converter against data
// and returns the registered Dst format of the first one that claims it.
// Detectors are visited in map iteration order, so when more than one
// detector claims data, which format is returned is not defined.
func (e *Env) DetectFormat(data []byte) (*ObjectFormat, bool) {
	for _, convs := range e.converters {
		for _, c := range convs {
			if c.Kind == Detector && c.Detect != nil && c.Detect(data) {
				if f, ok := e.formats[c.Dst]; ok {
					return f, true
				}
			}
		}
	}
	return nil, false
}

// vertex is one node of the BFS frontier: a format reached by some path,
// with the path's accumulated cost tracked for the dominance rules.
type vertex struct {
	format      string
	objChanges  int
	losses      int
	conversions int
	preferred   bool
	path        []*Converter
}

// less implements the three dominance rules in priority order: fewer
// objtype-changes, then fewer losses, then fewer conversions.
func less(a, b vertex) bool {
	if a.objChanges != b.objChanges {
		return a.objChanges < b.objChanges
	}
	if a.losses != b.losses {
		return a.losses < b.losses
	}
	return a.conversions < b.conversions
}

// FindPath performs a breadth-first search over the converter graph
// rooted at srcFormat for a path to any of targets. Detector converters
// are only traversed when their Detect function returns true on data.
// Returns (nil, false) when no path exists -- FindPath never errors,
// matching the spec's "no path is not an error" failure semantics.
func (e *Env) FindPath(srcFormat string, srcObjType model.ObjType, data []byte, targets []string) ([]*Converter, bool) {
	targetSet := make(map[string]bool, len(targets))
	for _, t := range targets {
		targetSet[t] = true
	}
	if targetSet[srcFormat] {
		return nil, true // already there; empty path
	}

	visited := map[string]vertex{srcFormat: {format: srcFormat}}
	queue := list.New()
	queue.PushBack(vertex{format: srcFormat})

	var best *vertex
	for queue.Len() > 0 {
		front := queue.Remove(queue.Front()).(vertex)

		for _, c := range e.converters[front.format] {
			if c.Kind == Detector {
				if c.Detect == nil || !c.Detect(data) {
					continue
				}
			}
			dstFmt, ok := e.formats[c.Dst]
			if !ok {
				continue
			}
			next := vertex{
				format:      c.Dst,
				objChanges:  front.objChanges,
				losses:      front.losses,
				conversions: front.conversions + 1,
				path:        append(append([]*Converter{}, front.path...), c),
			}
			if srcObj, ok := e.formats[front.format]; ok && dstFmt.ObjType != srcObj.ObjType {
				next.objChanges++
			}
			if c.Loss {
				next.losses++
			}

			if prev, seen := visited[c.Dst]; seen && !less(next, prev) {
				continue
			}
			visited[c.Dst] = next

			if targetSet[c.Dst] {
				if best == nil || less(next, *best) {
					v := next
					best = &v
				}
				continue
			}
			queue.PushBack(next)
		}
	}

	if best == nil {
		return nil, false
	}
	return best.path, true
}

// Convert walks path, mutating change in place. On any converter
// failure the change's data is restored to its pre-call state and
// Convert fails with KindConvert; the caller may retry with a different
// target (find_path again, excluding the failed one).
func (e *Env) Convert(change *model.Change, path []*Converter) error {
	origData := append([]byte{}, change.Data...)
	origFormat := change.Format

	for _, c := range path {
		if c.Kind == Detector {
			continue // detectors never rewrite
		}
		if c.Convert == nil {
			change.Data = origData
			change.Format = origFormat
			return model.Wrap(model.KindConvert, fmt.Sprintf("converter %s->%s has no Convert func", c.Src, c.Dst), nil)
		}
		if err := c.Convert(change); err != nil {
			change.Data = origData
			change.Format = origFormat
			return model.Wrap(model.KindConvert, fmt.Sprintf("convert %s->%s failed", c.Src, c.Dst), err)
		}
		change.Format = c.Dst
	}
	return nil
}
