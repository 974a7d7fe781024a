// Package xmlutil provides a fluent builder and path-and-filter navigator
// over XML trees, built on top of github.com/beevik/etree. It is the single
// place in the module that constructs NETCONF request bodies and walks
// rpc-reply data subtrees; the Session Engine and Device Facade never touch
// etree directly.
package xmlutil

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/beevik/etree"
	"github.com/pkg/errors"
)

const netconfNS = "urn:ietf:params:xml:ns:netconf:base:1.0"

// messageIDSeq is a process-wide fallback counter used only when a caller
// builds a bare "rpc" document outside of a session (e.g. in tests); the
// Session Engine supplies its own per-session counter for real traffic.
var messageIDSeq uint64

func nextFallbackMessageID() string {
	return strconv.FormatUint(atomic.AddUint64(&messageIDSeq, 1), 10)
}

// Cursor is the active element of a Document under construction or
// navigation. The zero Cursor is invalid; use Build or one of its variants.
type Cursor struct {
	doc *etree.Document
	el  *etree.Element
}

// IsNil reports whether the cursor has no focus element, as produced by
// building from an empty name sequence.
func (c Cursor) IsNil() bool {
	return c.el == nil
}

// Element exposes the underlying etree element for callers that need direct
// etree access (e.g. the codec layer attaching namespaces).
func (c Cursor) Element() *etree.Element {
	return c.el
}

// Document returns the owning document.
func (c Cursor) Document() *etree.Document {
	return c.doc
}

// Build creates a new document rooted at root, materializing any additional
// names as a nested spine, and returns a cursor on the deepest element. An
// empty names slice (root == "" and no names) yields a nil cursor.
func Build(root string, names ...string) Cursor {
	if root == "" && len(names) == 0 {
		return Cursor{}
	}

	doc := etree.NewDocument()
	cur := doc.CreateElement(root)

	switch root {
	case "rpc":
		cur.CreateAttr("message-id", nextFallbackMessageID())
		cur.CreateAttr("xmlns", netconfNS)
	case "configuration":
		// no attributes by default
	}

	for _, n := range names {
		cur = cur.CreateElement(n)
	}

	return Cursor{doc: doc, el: cur}
}

// BuildRPC is a convenience for Build("rpc", names...), auto-filling
// message-id and the NETCONF base namespace on the root.
func BuildRPC(names ...string) Cursor {
	return Build("rpc", names...)
}

// BuildConfiguration is a convenience for Build("configuration", names...).
func BuildConfiguration(names ...string) Cursor {
	return Build("configuration", names...)
}

// Append adds a single child element named name at the cursor and returns a
// new cursor focused on it.
func (c Cursor) Append(name string) Cursor {
	child := c.el.CreateElement(name)
	return Cursor{doc: c.doc, el: child}
}

// AppendText adds a single child element named name with the given text
// content and returns a new cursor focused on it.
func (c Cursor) AppendText(name, text string) Cursor {
	child := c.el.CreateElement(name)
	child.SetText(text)
	return Cursor{doc: c.doc, el: child}
}

// AppendAll adds one child element named name per entry in texts, in order.
// The cursor does not move; callers needing the last child should re-derive
// it via FindNodes or track it themselves.
func (c Cursor) AppendAll(name string, texts []string) {
	for _, t := range texts {
		child := c.el.CreateElement(name)
		child.SetText(t)
	}
}

// AppendMap adds one child element per key in m, in the order given by
// keys, setting each child's text to m[key]. Callers pass keys explicitly
// because Go map iteration order is undefined and insertion order must be
// preserved per the caller's mapping.
func (c Cursor) AppendMap(keys []string, m map[string]string) {
	for _, k := range keys {
		child := c.el.CreateElement(k)
		child.SetText(m[k])
	}
}

// AppendNamedMap adds a single child element named name, then beneath it one
// element per key in keys with text from m, in order.
func (c Cursor) AppendNamedMap(name string, keys []string, m map[string]string) Cursor {
	child := c.el.CreateElement(name)
	for _, k := range keys {
		grandchild := child.CreateElement(k)
		grandchild.SetText(m[k])
	}
	return Cursor{doc: c.doc, el: child}
}

// AddSibling creates a peer of the active element under its parent and
// returns a cursor on it. It fails with a structural error if the active
// element has no parent.
func (c Cursor) AddSibling(name string) (Cursor, error) {
	parent := c.el.Parent()
	// The document root's etree parent is the tagless document element.
	if parent == nil || parent.Tag == "" {
		return Cursor{}, errors.Errorf("xmlutil: element %q has no parent to add a sibling under", c.el.Tag)
	}
	sib := parent.CreateElement(name)
	return Cursor{doc: c.doc, el: sib}, nil
}

// AddSiblings creates len(names) peers of the active element under its
// parent, in order. It fails with a structural error if the active element
// has no parent.
func (c Cursor) AddSiblings(names []string) error {
	parent := c.el.Parent()
	if parent == nil || parent.Tag == "" {
		return errors.Errorf("xmlutil: element %q has no parent to add siblings under", c.el.Tag)
	}
	for _, n := range names {
		parent.CreateElement(n)
	}
	return nil
}

// AddPath materializes a "/"-separated chain of nested children under the
// cursor and returns a cursor on the deepest element created.
func (c Cursor) AddPath(path string) Cursor {
	cur := c.el
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		cur = cur.CreateElement(seg)
	}
	return Cursor{doc: c.doc, el: cur}
}

// SetAttribute sets an attribute on the active element.
func (c Cursor) SetAttribute(name, value string) Cursor {
	c.el.CreateAttr(name, value)
	return c
}

// SetText sets the active element's direct text content, replacing any
// existing text.
func (c Cursor) SetText(text string) Cursor {
	c.el.SetText(text)
	return c
}

// SetTextContent is an alias for SetText, matching the terminology used
// elsewhere for "replace the entire text content of this element".
func (c Cursor) SetTextContent(text string) Cursor {
	return c.SetText(text)
}

// Junos vendor attribute pairs recognized by Juniper's NETCONF server for
// candidate-configuration edits.
const (
	junosOperationAttr = "junos:operation"
	junosInsertAttr     = "insert"
	junosNameAttr       = "junos:name"
)

// JunosDelete marks the active element for deletion.
func (c Cursor) JunosDelete() Cursor {
	return c.SetAttribute(junosOperationAttr, "delete")
}

// JunosActivate marks the active element to be activated.
func (c Cursor) JunosActivate() Cursor {
	return c.SetAttribute(junosOperationAttr, "active")
}

// JunosDeactivate marks the active element to be deactivated.
func (c Cursor) JunosDeactivate() Cursor {
	return c.SetAttribute(junosOperationAttr, "inactive")
}

// JunosRename sets the active element's junos:name attribute, used to
// rename a configuration stanza.
func (c Cursor) JunosRename(newName string) Cursor {
	return c.SetAttribute(junosNameAttr, newName)
}

// JunosInsert marks the active element to be inserted relative to a sibling,
// per Junos ordered-list insert semantics ("first", "last", "before",
// "after").
func (c Cursor) JunosInsert(where string) Cursor {
	return c.SetAttribute(junosInsertAttr, where)
}

// trimNewlines strips leading and trailing newline characters, per the
// text-trimming rule applied before comparisons and before returning
// FindValue results.
func trimNewlines(s string) string {
	return strings.Trim(s, "\n")
}

// pathStep is either a plain tag name or a filter "name~value" token.
type pathStep struct {
	tag      string
	filter   bool
	filterOn string
	value    string
}

func parsePath(path []string) []pathStep {
	steps := make([]pathStep, 0, len(path))
	for _, p := range path {
		if idx := strings.Index(p, "~"); idx >= 0 {
			steps = append(steps, pathStep{filter: true, filterOn: p[:idx], value: p[idx+1:]})
			continue
		}
		steps = append(steps, pathStep{tag: p})
	}
	return steps
}

// FindValue implements the filter-token traversal algorithm: path is an
// ordered sequence of element names, possibly interleaved with filter
// tokens of the form "name~value". Returns the trimmed text of the first
// text-node child of the final focus element, or "", false if the
// traversal fails to locate a match at any step.
func (c Cursor) FindValue(path []string) (string, bool) {
	focus, ok := traverse(c.root(), path)
	if !ok {
		return "", false
	}
	return trimNewlines(focus.Text()), true
}

// FindNodes implements the same traversal as FindValue. When the final step
// is a filter, the result is the single matched element; otherwise the
// result is every element sharing the focus's tag name under its parent.
func (c Cursor) FindNodes(path []string) []*etree.Element {
	focus, ok := traverse(c.root(), path)
	if !ok {
		return nil
	}

	steps := parsePath(path)
	if len(steps) > 0 && steps[len(steps)-1].filter {
		return []*etree.Element{focus}
	}

	parent := focus.Parent()
	if parent == nil {
		return []*etree.Element{focus}
	}
	return parent.SelectElements(focus.Tag)
}

func (c Cursor) root() *etree.Element {
	if c.doc != nil {
		return c.doc.Root()
	}
	return c.el
}

// traverse walks steps starting from root, implementing the four-rule
// algorithm: collect descendants by tag, then either apply a filter token
// or advance to the first collected element.
func traverse(root *etree.Element, path []string) (*etree.Element, bool) {
	steps := parsePath(path)
	if len(steps) == 0 {
		return nil, false
	}

	current := root
	i := 0
	for i < len(steps) {
		step := steps[i]
		if step.filter {
			// A filter token alone (no preceding tag step) cannot occur per
			// the grammar; guard defensively rather than panic.
			return nil, false
		}

		var candidates []*etree.Element
		if i == 0 {
			// The first step is also allowed to match the document's root
			// element itself, since the root is in-scope for the path.
			candidates = selfAndDescendantsByTag(current, step.tag)
		} else {
			candidates = current.FindElements(".//" + step.tag)
		}
		if len(candidates) == 0 {
			return nil, false
		}

		if i+1 < len(steps) && steps[i+1].filter {
			f := steps[i+1]
			matched := findFilterMatch(candidates, f.filterOn, f.value)
			if matched == nil {
				return nil, false
			}
			current = matched
			i += 2
			continue
		}

		current = candidates[0]
		i++
	}

	return current, true
}

// selfAndDescendantsByTag returns root itself, if its tag matches, followed
// by its descendants with that tag, in document order.
func selfAndDescendantsByTag(root *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	if root.Tag == tag {
		out = append(out, root)
	}
	out = append(out, root.FindElements(".//"+tag)...)
	return out
}

func findFilterMatch(candidates []*etree.Element, field, value string) *etree.Element {
	for _, x := range candidates {
		child := x.SelectElement(field)
		if child == nil {
			continue
		}
		if trimNewlines(child.Text()) == value {
			return x
		}
	}
	return nil
}

// ToString serializes the owning document with pretty-print (indent 4), no
// XML declaration, and external-DTD/stylesheet access disabled (etree never
// resolves external references when reading, and ToString never writes a
// DOCTYPE or xml-stylesheet processing instruction).
func (c Cursor) ToString() (string, error) {
	doc := c.doc
	if doc == nil {
		doc = etree.NewDocument()
		doc.SetRoot(c.el.Copy())
	}

	doc.Indent(4)
	out, err := doc.WriteToString()
	if err != nil {
		return "", errors.Wrap(err, "xmlutil: serialization failed")
	}
	return out, nil
}

// ParseDocument reads data into a fresh document and returns a cursor on its
// root element. External entity resolution is disabled by etree's default
// ReadSettings, which never fetch external DTDs.
func ParseDocument(data []byte) (Cursor, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return Cursor{}, errors.Wrap(err, "xmlutil: parse failed")
	}
	return Cursor{doc: doc, el: doc.Root()}, nil
}
