package dispatch

import (
	"github.com/risa-org/gamelink/protocol"
	"github.com/tidwall/gjson"
)

// Args gives handlers uniform access to a request's arguments. Control
// services send args either as an object or as a JSON-encoded string of
// one; both read the same here.
type Args struct {
	raw     string // the args object as JSON, "" when absent
	payload string // the whole payload object
	encoded bool   // args arrived as a string
}

// ParseArgs reads the arguments of req.
func ParseArgs(req *protocol.Request) Args {
	a := Args{payload: string(req.Payload)}
	if len(req.Args) == 0 {
		return a
	}

	res := gjson.ParseBytes(req.Args)
	switch res.Type {
	case gjson.String:
		a.raw = res.String()
		a.encoded = true
	case gjson.JSON:
		a.raw = res.Raw
	}
	return a
}

// Empty reports whether no usable arguments were sent: missing, null,
// an empty string or an empty object.
func (a Args) Empty() bool {
	if a.raw == "" {
		return true
	}
	if !gjson.Valid(a.raw) {
		return false
	}
	res := gjson.Parse(a.raw)
	return res.IsObject() && len(res.Map()) == 0
}

// Valid reports whether the arguments are well-formed JSON.
func (a Args) Valid() bool {
	return a.raw == "" || gjson.Valid(a.raw)
}

// Encoded reports whether args arrived as a JSON-encoded string.
func (a Args) Encoded() bool {
	return a.encoded
}

// Get returns one argument by gjson path.
func (a Args) Get(path string) gjson.Result {
	return gjson.Get(a.raw, path)
}

// String returns one argument as a string, "" when missing.
func (a Args) String(path string) string {
	return a.Get(path).String()
}

// Payload returns a field of the payload object itself, outside args.
func (a Args) Payload(path string) gjson.Result {
	return gjson.Get(a.payload, path)
}
