package translate

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/stepherg/omi"
)

// Value is one <value> of an InfoItem found in a response.
type Value struct {
	// Path is the slash-joined chain of Object ids enclosing the InfoItem.
	Path     string
	InfoItem string
	Type     string
	Text     string
	// Time is zero when the node sent neither unixTime nor dateTime.
	Time time.Time
}

// Typed converts Text according to the xs: type attribute, falling back to the raw text.
func (v Value) Typed() any {
	switch strings.TrimPrefix(v.Type, "xs:") {
	case "double", "float", "decimal":
		if f, err := strconv.ParseFloat(v.Text, 64); err == nil {
			return f
		}
	case "int", "integer", "long", "short":
		if i, err := strconv.ParseInt(v.Text, 10, 64); err == nil {
			return i
		}
	case "boolean":
		if b, err := strconv.ParseBool(v.Text); err == nil {
			return b
		}
	case "dateTime":
		if t, err := time.Parse(time.RFC3339, v.Text); err == nil {
			return t
		}
	}
	return v.Text
}

// ParseResponse walks every Objects tree in an O-DF response and returns its values in document order.
func ParseResponse(body []byte) ([]Value, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("%w: %v", omi.ErrMalformedResponse, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: empty document", omi.ErrMalformedResponse)
	}
	var out []Value
	for _, objects := range findAll(root, "Objects") {
		for _, obj := range children(objects, "Object") {
			out = walkObject(obj, nil, out)
		}
	}
	return out, nil
}

func walkObject(obj *etree.Element, parent []string, out []Value) []Value {
	id := obj.SelectAttrValue("id", "")
	if el := firstChild(obj, "id"); el != nil {
		id = strings.TrimSpace(el.Text())
	}
	path := append(append(make([]string, 0, len(parent)+1), parent...), id)
	for _, item := range children(obj, "InfoItem") {
		name := item.SelectAttrValue("name", "")
		for _, v := range children(item, "value") {
			out = append(out, Value{
				Path:     strings.Join(path, "/"),
				InfoItem: name,
				Type:     v.SelectAttrValue("type", ""),
				Text:     strings.TrimSpace(v.Text()),
				Time:     valueTime(v),
			})
		}
	}
	for _, child := range children(obj, "Object") {
		out = walkObject(child, path, out)
	}
	return out
}

func valueTime(v *etree.Element) time.Time {
	if s := v.SelectAttrValue("dateTime", ""); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	if s := v.SelectAttrValue("unixTime", ""); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			sec, frac := math.Modf(f)
			return time.Unix(int64(sec), int64(frac*1e9))
		}
	}
	return time.Time{}
}

func children(e *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, c := range e.ChildElements() {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

func firstChild(e *etree.Element, tag string) *etree.Element {
	for _, c := range e.ChildElements() {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

func findAll(e *etree.Element, tag string) []*etree.Element {
	if e.Tag == tag {
		return []*etree.Element{e}
	}
	var out []*etree.Element
	for _, c := range e.ChildElements() {
		out = append(out, findAll(c, tag)...)
	}
	return out
}

// ValueHandler parses successful responses and hands every value to OnValue.
type ValueHandler struct {
	BaseHandler
	OnValue func(sourceURL string, v Value)
	Logger  *slog.Logger // optional; defaults to slog.Default()
}

func (h ValueHandler) Parse(body, sourceURL string) {
	values, err := ParseResponse([]byte(body))
	if err != nil {
		h.logger().Warn("cannot parse O-DF response", "endpoint", sourceURL, "error", err)
		return
	}
	if h.OnValue == nil {
		return
	}
	for _, v := range values {
		h.OnValue(sourceURL, v)
	}
}

func (h ValueHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
