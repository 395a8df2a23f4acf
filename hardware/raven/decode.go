package raven

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
	"unicode"

	"github.com/juju/errors"
)

// Sample is one decoded device message, flat field map ready for JSON.
type Sample map[string]interface{}

const (
	FieldMessage   = "message"
	FieldRawDemand = "raw_demand"
	FieldDemand    = "demand"
	FieldDelivered = "summation_delivered_kwh"
	FieldReceived  = "summation_received_kwh"

	MessageInstantaneousDemand = "InstantaneousDemand"
	MessageCurrentSummation    = "CurrentSummationDelivered"
)

type xmlNode struct {
	XMLName xml.Name
	Content string    `xml:",chardata"`
	Nodes   []xmlNode `xml:",any"`
}

// Decode parses one complete XML fragment like
//   <InstantaneousDemand><Demand>0x0003b2</Demand>...</InstantaneousDemand>
// into Sample with snake_case keys. Hex values up to 32 bit become integers,
// longer ones (MAC ids) are kept as strings.
func Decode(fragment []byte) (Sample, error) {
	var root xmlNode
	d := xml.NewDecoder(bytes.NewReader(fragment))
	d.Strict = true
	if err := d.Decode(&root); err != nil {
		return nil, errors.Annotate(err, "raven decode")
	}
	// nothing but whitespace allowed after root
	if tok, err := d.Token(); err == nil {
		if cd, ok := tok.(xml.CharData); !ok || len(bytes.TrimSpace(cd)) != 0 {
			return nil, errors.NotValidf("raven decode trailing data after %s", root.XMLName.Local)
		}
	}
	if root.XMLName.Local == "" || len(root.Nodes) == 0 {
		return nil, errors.NotValidf("raven decode empty fragment %q", root.XMLName.Local)
	}

	s := make(Sample, len(root.Nodes)+3)
	s[FieldMessage] = root.XMLName.Local
	for _, n := range root.Nodes {
		if len(n.Nodes) != 0 {
			return nil, errors.NotValidf("raven decode nested element %s/%s", root.XMLName.Local, n.XMLName.Local)
		}
		s[snakeCase(n.XMLName.Local)] = parseValue(strings.TrimSpace(n.Content))
	}

	switch root.XMLName.Local {
	case MessageInstantaneousDemand:
		if err := s.deriveDemand(root); err != nil {
			return nil, err
		}
	case MessageCurrentSummation:
		s.deriveSummation()
	}
	return s, nil
}

func (s Sample) deriveDemand(root xmlNode) error {
	hex := ""
	for _, n := range root.Nodes {
		if n.XMLName.Local == "Demand" {
			hex = strings.TrimSpace(n.Content)
		}
	}
	raw, ok := parseSigned(hex)
	if !ok {
		return errors.NotValidf("raven decode Demand=%q", hex)
	}
	mul := s.int64Field("multiplier", 1)
	if mul == 0 {
		mul = 1
	}
	div := s.int64Field("divisor", 1)
	delete(s, FieldDemand) // raw hex, replaced by kW below
	s[FieldRawDemand] = raw * mul
	if div != 0 {
		s[FieldDemand] = float64(raw*mul) / float64(div)
	}
	return nil
}

func (s Sample) deriveSummation() {
	mul := s.int64Field("multiplier", 1)
	if mul == 0 {
		mul = 1
	}
	div := s.int64Field("divisor", 1)
	if div == 0 {
		return
	}
	if v, ok := s["summation_delivered"].(int64); ok {
		s[FieldDelivered] = float64(v*mul) / float64(div)
	}
	if v, ok := s["summation_received"].(int64); ok {
		s[FieldReceived] = float64(v*mul) / float64(div)
	}
}

func (s Sample) int64Field(key string, def int64) int64 {
	if v, ok := s[key].(int64); ok {
		return v
	}
	return def
}

func parseValue(v string) interface{} {
	if h, ok := hexDigits(v); ok && len(h) <= 8 {
		if u, err := strconv.ParseUint(h, 16, 32); err == nil {
			return int64(u)
		}
	}
	return v
}

// Demand is signed: 24 bit when sent as 6 hex digits, 32 bit otherwise.
func parseSigned(v string) (int64, bool) {
	h, ok := hexDigits(v)
	if !ok || len(h) > 8 {
		return 0, false
	}
	u, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return 0, false
	}
	bits := uint(32)
	if len(h) <= 6 {
		bits = 24
	}
	x := int64(u)
	if x >= 1<<(bits-1) {
		x -= 1 << bits
	}
	return x, true
}

func hexDigits(v string) (string, bool) {
	if len(v) < 3 || !(strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X")) {
		return "", false
	}
	h := v[2:]
	for _, r := range h {
		if !unicode.Is(unicode.ASCII_Hex_Digit, r) {
			return "", false
		}
	}
	return h, true
}

// DeviceMacId -> device_mac_id
func snakeCase(s string) string {
	var b strings.Builder
	rs := []rune(s)
	for i, r := range rs {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(rs[i-1]) || (i+1 < len(rs) && unicode.IsLower(rs[i+1]) && unicode.IsUpper(rs[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
