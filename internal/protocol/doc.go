// Package protocol implements request decoding and response encoding for the
// inference wire format. Inbound payloads may be minimally HTTP-framed or bare;
// feature extraction is deliberately lenient and tolerates malformed JSON as
// long as numeric tokens are present. Responses are always HTTP-framed JSON.
package protocol
