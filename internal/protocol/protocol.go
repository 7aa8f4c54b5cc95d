package protocol

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Wire format constants
const (
	// HTTP status lines used on the response side
	StatusOK    = "HTTP/1.1 200 OK"
	StatusError = "HTTP/1.1 500 Internal Server Error"

	ContentTypeJSON = "application/json"
)

// numberPattern matches a numeric token: optional sign, digits with an
// optional decimal point, optional exponent with signed digits.
var numberPattern = regexp.MustCompile(`[-+]?[0-9]*\.?[0-9]+([eE][-+]?[0-9]+)?`)

// featuresPattern matches a "features" key followed by a bracketed list and
// captures the list contents. The match is intentionally permissive: the
// surrounding payload does not have to be well-formed JSON.
var featuresPattern = regexp.MustCompile(`"features"\s*:\s*\[([^\]]+)\]`)

// Result holds named output vectors in the order the engine reported them.
// Key order is whatever the engine produced; callers must not rely on it
// being alphabetical or otherwise stable across engine implementations.
type Result struct {
	Keys   []string
	Values map[string][]float64
}

// NewResult creates an empty result
func NewResult() *Result {
	return &Result{
		Values: make(map[string][]float64),
	}
}

// Add appends a named output vector, preserving insertion order
func (r *Result) Add(name string, values []float64) {
	if _, exists := r.Values[name]; !exists {
		r.Keys = append(r.Keys, name)
	}
	r.Values[name] = values
}

// ExtractBody strips minimal HTTP framing from a raw request payload.
// If the payload contains a blank line separating headers from a body, the
// body is returned; otherwise the payload is treated as a bare body.
func ExtractBody(raw []byte) []byte {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[idx+2:]
	}
	return raw
}

// DecodeFeatures extracts a feature vector from a raw request payload.
//
// The payload may be HTTP-framed or a bare body. If it contains a "features"
// key followed by a bracketed list, only numeric tokens inside that list are
// extracted; otherwise every numeric token in the payload is taken in order
// of appearance. Zero tokens yields an empty vector, not an error: rejecting
// an empty vector is the caller's width check, not a decode failure.
func DecodeFeatures(raw []byte) ([]float64, error) {
	body := ExtractBody(raw)

	source := body
	if m := featuresPattern.FindSubmatch(body); m != nil {
		source = m[1]
	}

	tokens := numberPattern.FindAll(source, -1)
	features := make([]float64, 0, len(tokens))
	for _, tok := range tokens {
		v, err := strconv.ParseFloat(string(tok), 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse numeric token %q: %w", tok, err)
		}
		features = append(features, v)
	}

	return features, nil
}

// EncodeResult serializes a prediction result as a JSON object whose keys
// are the output names in engine-reported order and whose values are lists
// of numbers rendered with fixed 6-digit fractional precision. Output is
// deterministic for a given result.
func EncodeResult(result *Result) []byte {
	var b strings.Builder
	b.WriteByte('{')

	for i, key := range result.Keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(key)
		b.WriteString(`":[`)
		for j, v := range result.Values[key] {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(v, 'f', 6, 64))
		}
		b.WriteByte(']')
	}

	b.WriteByte('}')
	return []byte(b.String())
}

// EncodeError serializes an error message as a JSON error object
func EncodeError(message string) []byte {
	return []byte(`{"error": "` + message + `"}`)
}

// WriteResponse assembles a complete HTTP-style success response around the
// encoded body. The response is always HTTP-framed even when the inbound
// request was a bare payload.
func WriteResponse(body []byte) []byte {
	var b strings.Builder
	b.WriteString(StatusOK)
	b.WriteString("\r\n")
	b.WriteString("Content-Type: " + ContentTypeJSON + "\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	b.WriteString("Access-Control-Allow-Origin: *\r\n")
	b.WriteString("\r\n")
	b.Write(body)
	return []byte(b.String())
}

// WriteErrorResponse assembles a complete HTTP-style 500 response around the
// encoded error body.
func WriteErrorResponse(body []byte) []byte {
	var b strings.Builder
	b.WriteString(StatusError)
	b.WriteString("\r\n")
	b.WriteString("Content-Type: " + ContentTypeJSON + "\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	b.WriteString("\r\n")
	b.Write(body)
	return []byte(b.String())
}
