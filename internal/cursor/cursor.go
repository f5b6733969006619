// Package cursor re-anchors the local caret and collaborator cursor markers
// when an incoming buffer replaces the one held locally.
//
// The mapping is a best-effort smoothing pass that assumes a single edit
// point. It is deliberately kept apart from the socket protocol so a real
// OT or CRDT layer can replace it without touching the wire format.
// All offsets are rune offsets.
package cursor

import (
	"fmt"
	"hash/fnv"
	"unicode/utf8"
)

// Change describes where an incoming buffer first diverges from the held one.
type Change struct {
	At     int // first differing offset
	Delta  int // len(next) - len(prev)
	Length int // len(next)
}

// Diff scans prev and next from the start and reports the first mismatch.
// When one buffer is a prefix of the other, At is the shorter length.
func Diff(prev, next string) Change {
	p := []rune(prev)
	n := []rune(next)

	limit := min(len(p), len(n))
	at := 0
	for at < limit && p[at] == n[at] {
		at++
	}

	return Change{
		At:     at,
		Delta:  len(n) - len(p),
		Length: len(n),
	}
}

// Map returns where offset lands in the new buffer. Offsets before the change
// point stay put; the rest shift by Delta. Both are clamped to [0, Length].
func (c Change) Map(offset int) int {
	if offset >= c.At {
		offset += c.Delta
	}
	return clamp(offset, c.Length)
}

// Reconcile maps every offset from prev coordinates into next coordinates.
func Reconcile(prev, next string, offsets ...int) []int {
	c := Diff(prev, next)
	out := make([]int, len(offsets))
	for i, o := range offsets {
		out[i] = c.Map(o)
	}
	return out
}

// Selection is a caret (Start == End) or a selected range.
type Selection struct {
	Start int
	End   int
}

func (c Change) MapSelection(s Selection) Selection {
	return Selection{Start: c.Map(s.Start), End: c.Map(s.End)}
}

// Marker is a collaborator's last known cursor.
type Marker struct {
	Name   string
	Offset int
	Color  string
}

func NewMarker(name string, offset int) Marker {
	return Marker{Name: name, Offset: offset, Color: Color(name)}
}

// Color derives a stable display color from a collaborator name.
func Color(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("hsl(%d, 70%%, 60%%)", h.Sum32()%360)
}

// Locate converts an offset into a zero-based line and column. Renderers
// that need pixel positions measure this location in a mirror of the buffer
// styled like the editor; no font metrics are computed here.
func Locate(text string, offset int) (line, column int) {
	offset = clamp(offset, utf8.RuneCountInString(text))
	i := 0
	for _, r := range text {
		if i == offset {
			break
		}
		if r == '\n' {
			line++
			column = 0
		} else {
			column++
		}
		i++
	}
	return line, column
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}
