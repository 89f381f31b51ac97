package translate

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stepherg/omi"
)

// DefaultDateFormat is the layout used for begin/end attributes when a handler does not override it.
const DefaultDateFormat = time.RFC3339

// Hierarchy wraps each segment in an <Object><id>…</id>…</Object> shell and
// places leaf inside the innermost one.
func Hierarchy(segments []string, leaf string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString("<Object><id>")
		b.WriteString(escape(s))
		b.WriteString("</id>")
	}
	b.WriteString(leaf)
	for range segments {
		b.WriteString("</Object>")
	}
	return b.String()
}

// InfoItem renders a terminal InfoItem. With a nil value it is an empty probe
// element; otherwise it carries one typed <value>.
func InfoItem(name string, value any) string {
	if value == nil {
		return `<InfoItem name="` + escape(name) + `"/>`
	}
	typ, text := odfValue(value)
	return `<InfoItem name="` + escape(name) + `"><value type="` + typ + `">` + escape(text) + `</value></InfoItem>`
}

func odfValue(v any) (typ, text string) {
	switch x := v.(type) {
	case string:
		return "xs:string", x
	case bool:
		return "xs:boolean", strconv.FormatBool(x)
	case int:
		return "xs:int", strconv.Itoa(x)
	case int32:
		return "xs:int", strconv.FormatInt(int64(x), 10)
	case int64:
		return "xs:long", strconv.FormatInt(x, 10)
	case uint, uint32, uint64:
		return "xs:long", fmt.Sprint(x)
	case float32:
		return "xs:float", strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return "xs:double", strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return "xs:dateTime", x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return "xs:string", x.String()
	default:
		return "xs:string", fmt.Sprint(x)
	}
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// BaseHandler implements the value and time aware builder operations of
// omi.ResponseHandler. Integrators embed it and add Parse.
type BaseHandler struct {
	// Probe is the leaf used when neither a value nor a terminal name is
	// given. Empty reads the whole object subtree.
	Probe string
	// Layout overrides DefaultDateFormat.
	Layout string
}

func (h BaseHandler) ValueToODF(value any, terminal string) string {
	if terminal == "" {
		if value == nil {
			return h.Probe
		}
		terminal = "value"
	}
	return InfoItem(terminal, value)
}

func (h BaseHandler) BuildHierarchy(segments []string, value any, terminal string) string {
	return Hierarchy(segments, h.ValueToODF(value, terminal))
}

func (h BaseHandler) DateFormat() string {
	if h.Layout == "" {
		return DefaultDateFormat
	}
	return h.Layout
}

// PathHandler is the plain path builder: every hierarchy ends in the same
// fixed probe leaf, whatever value or terminal is supplied.
type PathHandler struct {
	Leaf string
	BaseHandler
}

func (h PathHandler) ValueToODF(value any, terminal string) string {
	return h.Leaf
}

func (h PathHandler) BuildHierarchy(segments []string, value any, terminal string) string {
	return Hierarchy(segments, h.Leaf)
}

// ParseFunc consumes a successful response body.
type ParseFunc func(body, sourceURL string)

type funcHandler struct {
	BaseHandler
	parse ParseFunc
}

func (h funcHandler) Parse(body, sourceURL string) {
	if h.parse != nil {
		h.parse(body, sourceURL)
	}
}

// NewHandler builds an omi.ResponseHandler from a parse callback and the
// default builders.
func NewHandler(parse ParseFunc, base BaseHandler) omi.ResponseHandler {
	return funcHandler{BaseHandler: base, parse: parse}
}
