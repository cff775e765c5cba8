// Package stackdepot stores call stacks captured by probes and
// deduplicates identical ones.
//
// A stack is stored once, referenced by the FNV-1a hash of its frames.
// Race records keep only that 64-bit id, so a hot access site costs one
// hash computation instead of a copy of its stack.
//
// Usage:
//
//	d := stackdepot.New()
//	id := d.Put(frames)
//	...
//	fmt.Print(stackdepot.Format(d.Get(id)))
package stackdepot

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"

	"github.com/kolkov/probekit/internal/srcmap"
)

// MaxFrames bounds the number of frames kept per stack.
const MaxFrames = 32

// Depot is a per-run stack store.
//
// Thread Safety: safe for concurrent use.
type Depot struct {
	stacks sync.Map // map[uint64][]srcmap.Location
}

// New creates an empty depot.
func New() *Depot {
	return &Depot{}
}

// Put stores frames (innermost first) and returns their id. Identical
// stacks share an id. Returns 0 for an empty stack.
func (d *Depot) Put(frames []srcmap.Location) uint64 {
	if len(frames) == 0 {
		return 0
	}
	if len(frames) > MaxFrames {
		frames = frames[:MaxFrames]
	}
	id := hash(frames)
	if _, ok := d.stacks.Load(id); !ok {
		d.stacks.LoadOrStore(id, append([]srcmap.Location(nil), frames...))
	}
	return id
}

// Get returns the stack stored under id, or nil.
func (d *Depot) Get(id uint64) []srcmap.Location {
	if id == 0 {
		return nil
	}
	v, ok := d.stacks.Load(id)
	if !ok {
		return nil
	}
	return v.([]srcmap.Location)
}

// Len returns the number of unique stacks stored.
func (d *Depot) Len() int {
	n := 0
	d.stacks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func hash(frames []srcmap.Location) uint64 {
	h := fnv.New64a()
	for _, f := range frames {
		_, _ = h.Write([]byte(f.File))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(f.Func))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strconv.Itoa(f.Line)))
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(strconv.Itoa(f.Col)))
		_, _ = h.Write([]byte{'\n'})
	}
	sum := h.Sum64()
	if sum == 0 {
		sum = 1
	}
	return sum
}

// FirstFrame is the number of the innermost printed frame. Frames below
// it belong to the reporting machinery and are not shown.
const FirstFrame = 5

// Format renders a stack one frame per entry, numbered from FirstFrame:
//
//	   5: myfunc
//	             at ./file.c:9:13
//	   6: main
//	             at ./file.c:13:5
//
// Frames without a line print only their name.
func Format(frames []srcmap.Location) string {
	var buf strings.Builder
	for i, f := range frames {
		fmt.Fprintf(&buf, "%4d: %s\n", FirstFrame+i, srcmap.DisplayName(f.Func))
		if f.Line != 0 {
			fmt.Fprintf(&buf, "             at ./%s:%d:%d\n", f.File, f.Line, f.Col)
		}
	}
	return buf.String()
}
