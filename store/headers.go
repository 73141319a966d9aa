package store

import (
	"strconv"

	"github.com/valyala/fastjson"

	"github.com/ayodejiige/cpp-client-telemetry/record"
)

// headersToJSON/headersFromJSON encode the http_headers bag (spec.md §3) as
// a small JSON array, parsed with valyala/fastjson rather than
// encoding/json: headers are read back on every release/complete diagnostic
// path, and fastjson's arena-based parser avoids per-call allocation the way
// the teacher's own HTTP layer uses it for request bodies.
func headersToJSON(hdrs []record.Header) []byte {
	var buf []byte
	buf = append(buf, '[')
	for i, h := range hdrs {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '{', '"', 'n', '"', ':')
		buf = strconv.AppendQuote(buf, h.Name)
		buf = append(buf, ',', '"', 'v', '"', ':')
		buf = strconv.AppendQuote(buf, h.Value)
		buf = append(buf, '}')
	}
	buf = append(buf, ']')
	return buf
}

func headersFromJSON(blob []byte) []record.Header {
	if len(blob) == 0 {
		return nil
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(blob)
	if err != nil {
		return nil
	}
	arr, err := v.Array()
	if err != nil {
		return nil
	}
	out := make([]record.Header, 0, len(arr))
	for _, item := range arr {
		name := string(item.GetStringBytes("n"))
		value := string(item.GetStringBytes("v"))
		out = append(out, record.Header{Name: name, Value: value})
	}
	return out
}
