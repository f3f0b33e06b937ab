package message

import (
	"encoding/binary"
	"strings"
)

// OptionNumber is a CoAP option number (RFC 7252 §5.10, RFC 7641 §2).
type OptionNumber uint16

const (
	OptionIfMatch       OptionNumber = 1
	OptionURIHost       OptionNumber = 3
	OptionETag          OptionNumber = 4
	OptionIfNoneMatch   OptionNumber = 5
	OptionObserve       OptionNumber = 6 // RFC 7641
	OptionURIPort       OptionNumber = 7
	OptionLocationPath  OptionNumber = 8
	OptionURIPath       OptionNumber = 11
	OptionContentFormat OptionNumber = 12
	OptionMaxAge        OptionNumber = 14
	OptionURIQuery      OptionNumber = 15
	OptionAccept        OptionNumber = 17
	OptionLocationQuery OptionNumber = 20
	OptionBlock2        OptionNumber = 23
	OptionBlock1        OptionNumber = 27
	OptionSize2         OptionNumber = 28
	OptionProxyURI      OptionNumber = 35
	OptionSize1         OptionNumber = 60

	// OptionAuthorization is a non-standard application option (in the
	// 65000-65535 experimental-use range) carrying a bearer token for the
	// optional auth.BearerGuard middleware (SPEC_FULL.md, MODULE: auth).
	// Its number is odd, so IsCritical reports it as critical; it is listed
	// in knownOptions, so this implementation's critical-option check
	// accepts it.
	OptionAuthorization OptionNumber = 65001
)

// IsCritical reports whether unrecognized occurrences of this option
// number must cause the message to be rejected (RFC 7252 §5.4.1: odd
// option numbers are critical).
func (n OptionNumber) IsCritical() bool { return n%2 == 1 }

// knownOptions is consulted by Endpoint's critical-option check (spec
// §4.7, §6 "critical-option test").
var knownOptions = map[OptionNumber]bool{
	OptionIfMatch:       true,
	OptionURIHost:       true,
	OptionETag:          true,
	OptionIfNoneMatch:   true,
	OptionObserve:       true,
	OptionURIPort:       true,
	OptionLocationPath:  true,
	OptionURIPath:       true,
	OptionContentFormat: true,
	OptionMaxAge:        true,
	OptionURIQuery:      true,
	OptionAccept:        true,
	OptionLocationQuery: true,
	OptionBlock2:        true,
	OptionBlock1:        true,
	OptionSize2:         true,
	OptionProxyURI:      true,
	OptionSize1:         true,
	OptionAuthorization: true,
}

// Option is a single decoded option occurrence. Options may repeat (e.g.
// URIPath, one per path segment), so OptionSet stores them as a slice.
type Option struct {
	Number OptionNumber
	Value  []byte
}

// OptionSet is the decoded option list of a Message.
type OptionSet []Option

// Add appends a raw option occurrence.
func (os *OptionSet) Add(number OptionNumber, value []byte) {
	*os = append(*os, Option{Number: number, Value: value})
}

// AddUint adds an option whose value is a big-endian unsigned integer,
// using the minimal encoding (RFC 7252 §3.2).
func (os *OptionSet) AddUint(number OptionNumber, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	i := 0
	for i < 4 && buf[i] == 0 {
		i++
	}
	os.Add(number, buf[i:])
}

// AddString adds an option whose value is the given string's bytes.
func (os *OptionSet) AddString(number OptionNumber, v string) {
	os.Add(number, []byte(v))
}

// Find returns every occurrence of the given option number, in wire order.
func (os OptionSet) Find(number OptionNumber) []Option {
	var out []Option
	for _, o := range os {
		if o.Number == number {
			out = append(out, o)
		}
	}
	return out
}

// First returns the first occurrence of the given option, if any.
func (os OptionSet) First(number OptionNumber) (Option, bool) {
	for _, o := range os {
		if o.Number == number {
			return o, true
		}
	}
	return Option{}, false
}

// Has reports whether the option number appears at all.
func (os OptionSet) Has(number OptionNumber) bool {
	_, ok := os.First(number)
	return ok
}

// UintValue decodes an option's value as a big-endian unsigned integer.
func (o Option) UintValue() uint32 {
	var v uint32
	for _, b := range o.Value {
		v = v<<8 | uint32(b)
	}
	return v
}

// StringValue decodes an option's value as a string.
func (o Option) StringValue() string { return string(o.Value) }

// Path reassembles the URIPath option occurrences into a "/"-joined path,
// normalizing the empty path to "/" (spec §4.7).
func (os OptionSet) Path() string {
	segments := os.Find(OptionURIPath)
	if len(segments) == 0 {
		return "/"
	}
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = s.StringValue()
	}
	return "/" + strings.Join(parts, "/")
}

// SetPath replaces any existing URIPath options with one per "/"-delimited
// segment of path.
func (os *OptionSet) SetPath(path string) {
	kept := (*os)[:0]
	for _, o := range *os {
		if o.Number != OptionURIPath {
			kept = append(kept, o)
		}
	}
	*os = kept
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		os.AddString(OptionURIPath, seg)
	}
}

// Observe returns the decoded Observe option value and whether it was
// present at all (spec §3, §4.6).
func (os OptionSet) Observe() (uint32, bool) {
	o, ok := os.First(OptionObserve)
	if !ok {
		return 0, false
	}
	return o.UintValue(), true
}

// SetObserve sets the Observe option to seq truncated to 24 bits
// (spec §3: "sequence numbers ... modulo 2^24").
func (os *OptionSet) SetObserve(seq uint32) {
	kept := (*os)[:0]
	for _, o := range *os {
		if o.Number != OptionObserve {
			kept = append(kept, o)
		}
	}
	*os = kept
	os.AddUint(OptionObserve, seq&0xFFFFFF)
}

// ContentFormat returns the decoded Content-Format option value, if set.
func (os OptionSet) ContentFormat() (uint32, bool) {
	o, ok := os.First(OptionContentFormat)
	if !ok {
		return 0, false
	}
	return o.UintValue(), true
}

// Authorization returns the bearer token carried in the application
// Authorization option (see auth.BearerGuard), if present.
func (os OptionSet) Authorization() (string, bool) {
	o, ok := os.First(OptionAuthorization)
	if !ok {
		return "", false
	}
	return o.StringValue(), true
}

// UnknownCritical returns the first option number present in os that is
// both critical (odd) and not recognized by this implementation, or false
// if none. Used by Endpoint's request validation (spec §4.7, §6).
func (os OptionSet) UnknownCritical() (OptionNumber, bool) {
	for _, o := range os {
		if o.Number.IsCritical() && !knownOptions[o.Number] {
			return o.Number, true
		}
	}
	return 0, false
}
