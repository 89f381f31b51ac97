package translate

import (
	"fmt"
	"strconv"
	"time"

	"github.com/stepherg/omi"
)

const (
	envelopeOpen  = `<?xml version="1.0" encoding="UTF-8"?><omi:omiEnvelope xmlns:xs="http://www.w3.org/2001/XMLSchema-instance" xmlns:omi="omi.xsd" version="1.0" ttl="`
	envelopeClose = `</omi:omiEnvelope>`
	objectsOpen   = `<omi:msg><Objects xmlns="odf.xsd">`
	objectsClose  = `</Objects></omi:msg>`
)

// Direction selects which end of a resource's history a read-amount request targets.
type Direction int

const (
	Newest Direction = iota + 1
	Oldest
)

func (d Direction) attr() (string, bool) {
	switch d {
	case Newest:
		return "newest", true
	case Oldest:
		return "oldest", true
	}
	return "", false
}

// Envelope wraps content in the O-MI envelope with the given time-to-live
// (0 means no expiry).
func Envelope(content string, ttl int) string {
	return envelopeOpen + strconv.Itoa(ttl) + `">` + content + envelopeClose
}

// Codec builds O-MI read and write envelopes. It holds no mutable state and
// is safe for concurrent use.
type Codec struct {
	Handler omi.ResponseHandler
	TTL     int
}

func NewCodec(h omi.ResponseHandler) *Codec {
	return &Codec{Handler: h}
}

// ReadAll asks the node for its whole object tree.
func (c *Codec) ReadAll() string {
	return Envelope(`<omi:read msgformat="odf"><omi:msg><Objects xmlns="odf.xsd"/></omi:msg></omi:read>`, c.TTL)
}

// Read builds a plain read of path.
func (c *Codec) Read(path, terminal string) string {
	return c.read("", path, terminal)
}

// ReadRange builds a read of the values recorded between begin and end,
// both formatted with the handler's date layout.
func (c *Codec) ReadRange(path string, begin, end time.Time, terminal string) string {
	layout := c.Handler.DateFormat()
	attrs := ` begin="` + escape(begin.Format(layout)) + `" end="` + escape(end.Format(layout)) + `"`
	return c.read(attrs, path, terminal)
}

// ReadAmount builds a read of the n newest or oldest values of path.
func (c *Codec) ReadAmount(path string, n int, dir Direction, terminal string) (string, error) {
	name, ok := dir.attr()
	if !ok {
		return "", fmt.Errorf("%w: direction %d", omi.ErrUnsupportedMode, int(dir))
	}
	return c.read(` `+name+`="`+strconv.Itoa(n)+`"`, path, terminal), nil
}

// Write builds a write of value to path.
func (c *Codec) Write(path string, value any, terminal string) string {
	body := c.Handler.BuildHierarchy(omi.SplitPath(path), value, terminal)
	return Envelope(`<omi:write msgformat="odf">`+objectsOpen+body+objectsClose+`</omi:write>`, c.TTL)
}

func (c *Codec) read(attrs, path, terminal string) string {
	body := c.Handler.BuildHierarchy(omi.SplitPath(path), nil, terminal)
	return Envelope(`<omi:read msgformat="odf"`+attrs+`>`+objectsOpen+body+objectsClose+`</omi:read>`, c.TTL)
}
