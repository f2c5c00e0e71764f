// Package stanza is the structured form of a single protocol unit: an iq,
// message or presence element.
package stanza

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Kind is the root element name of a unit.
type Kind string

const (
	KindIQ       Kind = "iq"
	KindMessage  Kind = "message"
	KindPresence Kind = "presence"
)

// IQ types.
const (
	TypeGet    = "get"
	TypeSet    = "set"
	TypeResult = "result"
	TypeError  = "error"
)

// NSPing is the XEP-0199 namespace.
const NSPing = "urn:xmpp:ping"

var (
	// ErrEmpty is returned when there is nothing to parse.
	ErrEmpty = errors.New("no input")

	// ErrMalformed is returned when the text is not a single well-formed element.
	ErrMalformed = errors.New("malformed XML")
)

// UnrecognizedError reports a root element that is not a unit.
type UnrecognizedError struct {
	Element string
}

func (e *UnrecognizedError) Error() string {
	return fmt.Sprintf("unrecognized element: %s", e.Element)
}

// InvalidTypeError reports an iq with a type outside get/set/result/error.
type InvalidTypeError struct {
	Type string
}

func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("invalid iq type: %q", e.Type)
}

// Unit is one parsed stanza. Methods on a Unit are not safe for concurrent
// mutation; Copy before handing a unit to another goroutine that modifies it.
type Unit struct {
	el *etree.Element
}

// Parse turns text into a Unit.
func Parse(text string) (*Unit, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmpty
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(text); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	roots := doc.ChildElements()
	switch len(roots) {
	case 0:
		return nil, fmt.Errorf("%w: no root element", ErrMalformed)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d root elements", ErrMalformed, len(roots))
	}

	if err := checkProlog(doc); err != nil {
		return nil, err
	}

	root := roots[0]
	switch Kind(root.Tag) {
	case KindIQ:
		if t := root.SelectAttrValue("type", ""); t != "" && !validIQType(t) {
			return nil, &InvalidTypeError{Type: t}
		}
	case KindMessage, KindPresence:
	default:
		name := root.Tag
		if root.Space != "" {
			name = root.Space + ":" + root.Tag
		}
		return nil, &UnrecognizedError{Element: name}
	}

	return &Unit{el: root}, nil
}

// checkProlog rejects anything besides the root element, whitespace, comments
// and a leading XML declaration.
func checkProlog(doc *etree.Document) error {
	for i, tok := range doc.Child {
		switch tok := tok.(type) {
		case *etree.Element, *etree.Comment:
		case *etree.CharData:
			if strings.TrimSpace(tok.Data) != "" {
				return fmt.Errorf("%w: text outside the root element", ErrMalformed)
			}
		case *etree.ProcInst:
			if i != 0 || tok.Target != "xml" {
				return fmt.Errorf("%w: unexpected processing instruction %q", ErrMalformed, tok.Target)
			}
		default:
			return fmt.Errorf("%w: unexpected content outside the root element", ErrMalformed)
		}
	}
	return nil
}

func validIQType(t string) bool {
	switch t {
	case TypeGet, TypeSet, TypeResult, TypeError:
		return true
	}
	return false
}

// New creates an empty unit of the given kind.
func New(kind Kind) *Unit {
	return &Unit{el: etree.NewElement(string(kind))}
}

// Kind returns the root element name.
func (u *Unit) Kind() Kind { return Kind(u.el.Tag) }

func (u *Unit) ID() string   { return u.el.SelectAttrValue("id", "") }
func (u *Unit) Type() string { return u.el.SelectAttrValue("type", "") }
func (u *Unit) From() string { return u.el.SelectAttrValue("from", "") }
func (u *Unit) To() string   { return u.el.SelectAttrValue("to", "") }

func (u *Unit) SetID(v string)   { u.setAttr("id", v) }
func (u *Unit) SetType(v string) { u.setAttr("type", v) }
func (u *Unit) SetFrom(v string) { u.setAttr("from", v) }
func (u *Unit) SetTo(v string)   { u.setAttr("to", v) }

func (u *Unit) setAttr(key, value string) {
	if value == "" {
		u.el.RemoveAttr(key)
		return
	}
	u.el.CreateAttr(key, value)
}

// IsRequest reports whether the unit is an iq that demands a reply.
func (u *Unit) IsRequest() bool {
	if u.Kind() != KindIQ {
		return false
	}
	t := u.Type()
	return t == TypeGet || t == TypeSet
}

// IsResponse reports whether the unit is an iq result or error.
func (u *Unit) IsResponse() bool {
	if u.Kind() != KindIQ {
		return false
	}
	t := u.Type()
	return t == TypeResult || t == TypeError
}

// Payload returns the first child element, or nil.
func (u *Unit) Payload() *etree.Element {
	children := u.el.ChildElements()
	if len(children) == 0 {
		return nil
	}
	return children[0]
}

// PayloadNamespace returns the namespace of the first child element.
func (u *Unit) PayloadNamespace() string {
	if p := u.Payload(); p != nil {
		return p.SelectAttrValue("xmlns", p.NamespaceURI())
	}
	return ""
}

// Copy returns a deep copy.
func (u *Unit) Copy() *Unit {
	return &Unit{el: u.el.Copy()}
}

// String serializes the unit.
func (u *Unit) String() string {
	doc := etree.NewDocument()
	doc.SetRoot(u.el.Copy())
	s, err := doc.WriteToString()
	if err != nil {
		return "<" + u.el.Tag + "/>"
	}
	return s
}

// ResultFor builds an empty iq result answering req.
func ResultFor(req *Unit) *Unit {
	res := New(KindIQ)
	res.SetType(TypeResult)
	res.SetID(req.ID())
	res.SetFrom(req.To())
	res.SetTo(req.From())
	return res
}

// ErrorFor builds an iq error answering req with a cancel-type condition.
func ErrorFor(req *Unit, condition string) *Unit {
	res := New(KindIQ)
	res.SetType(TypeError)
	res.SetID(req.ID())
	res.SetFrom(req.To())
	res.SetTo(req.From())

	errEl := res.el.CreateElement("error")
	errEl.CreateAttr("type", "cancel")
	cond := errEl.CreateElement(condition)
	cond.CreateAttr("xmlns", "urn:ietf:params:xml:ns:xmpp-stanzas")
	return res
}
