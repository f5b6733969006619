package cursor

import (
	"sort"
	"unicode/utf8"
)

// View is the client-local editor state: the held buffer, the local
// selection and the markers of every collaborator seen so far.
// It is not safe for concurrent use.
type View struct {
	text    string
	sel     Selection
	markers map[string]Marker
}

func NewView(text string) *View {
	return &View{text: text, markers: make(map[string]Marker)}
}

func (v *View) Text() string { return v.text }

func (v *View) Selection() Selection { return v.sel }

// Select places the local caret or selection, clamped to the buffer.
func (v *View) Select(start, end int) {
	n := utf8.RuneCountInString(v.text)
	start, end = clamp(start, n), clamp(end, n)
	if end < start {
		start, end = end, start
	}
	v.sel = Selection{Start: start, End: end}
}

// Edit records local typing. The caller already knows where its caret is,
// so nothing is reconciled locally; peers' markers are still re-anchored.
func (v *View) Edit(next string, caret int) Change {
	c := Diff(v.text, next)
	v.text = next
	v.remapMarkers(c)
	v.Select(caret, caret)
	return c
}

// Replace installs a buffer received from the server and re-anchors the
// local selection and all collaborator markers.
func (v *View) Replace(next string) Change {
	c := Diff(v.text, next)
	v.text = next
	v.sel = c.MapSelection(v.sel)
	v.remapMarkers(c)
	return c
}

// Track records a collaborator's cursor as received from a named peer event.
func (v *View) Track(name string, offset int) {
	if name == "" {
		return
	}
	v.markers[name] = NewMarker(name, clamp(offset, utf8.RuneCountInString(v.text)))
}

func (v *View) Forget(name string) {
	delete(v.markers, name)
}

// Markers returns the collaborator markers ordered by name.
func (v *View) Markers() []Marker {
	out := make([]Marker, 0, len(v.markers))
	for _, m := range v.markers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (v *View) remapMarkers(c Change) {
	for name, m := range v.markers {
		m.Offset = c.Map(m.Offset)
		v.markers[name] = m
	}
}
