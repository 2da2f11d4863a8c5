// Package hl7v2 implements the HL7 v2 / MLLP ingress: length-framed TCP
// transport, a minimal segment parser, ACK generation, and the ADT location
// state machine that turns transfer messages into location events and
// surgical-prophylaxis check timers.
package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message is a parsed HL7v2 message. Header convenience fields mirror MSH.
type Message struct {
	Type         string // MSH-9, e.g. "ADT^A01"
	ControlID    string // MSH-10
	Version      string // MSH-12
	Timestamp    time.Time
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	Segments     []Segment
}

// Segment is one pipe-delimited segment line.
type Segment struct {
	Name   string
	Fields []Field
}

// Field holds the raw value plus its caret-separated components.
type Field struct {
	Value      string
	Components []string
}

// Component returns the i-th (zero-based) component of the field, or "".
func (f Field) Component(i int) string {
	if i < len(f.Components) {
		return f.Components[i]
	}
	return ""
}

// Segment returns the first segment with the given name.
func (m *Message) Segment(name string) (Segment, bool) {
	for _, s := range m.Segments {
		if s.Name == name {
			return s, true
		}
	}
	return Segment{}, false
}

// Field returns field n (1-based, HL7 numbering) of a segment. For MSH,
// field 1 is the separator itself, matching the standard's numbering.
func (s Segment) Field(n int) Field {
	if n < 1 || n > len(s.Fields) {
		return Field{}
	}
	return s.Fields[n-1]
}

// Parse parses raw HL7v2 bytes. Segment separators may be \r, \n, or \r\n.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: empty message")
	}
	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH")
	}

	msg := &Message{}
	for _, line := range lines {
		msg.Segments = append(msg.Segments, parseSegment(line))
	}
	return msg, msg.readHeader()
}

func parseSegment(line string) Segment {
	// MSH is special: MSH-1 is the separator character itself.
	if strings.HasPrefix(line, "MSH") && len(line) > 4 {
		seg := Segment{Name: "MSH"}
		seg.Fields = append(seg.Fields, Field{Value: "|", Components: []string{"|"}})
		for _, part := range strings.Split(line[4:], "|") {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg
	}
	parts := strings.SplitN(line, "|", 2)
	seg := Segment{Name: parts[0]}
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg
}

func parseField(raw string) Field {
	return Field{Value: raw, Components: strings.Split(raw, "^")}
}

func (m *Message) readHeader() error {
	msh, ok := m.Segment("MSH")
	if !ok {
		return fmt.Errorf("hl7v2: missing MSH")
	}
	m.SendingApp = msh.Field(3).Value
	m.SendingFac = msh.Field(4).Value
	m.ReceivingApp = msh.Field(5).Value
	m.ReceivingFac = msh.Field(6).Value
	if ts := msh.Field(7).Value; ts != "" {
		if t, err := parseHL7Time(ts); err == nil {
			m.Timestamp = t
		}
	}
	m.Type = msh.Field(9).Value
	m.ControlID = msh.Field(10).Value
	m.Version = msh.Field(12).Value
	if m.Type == "" {
		return fmt.Errorf("hl7v2: missing message type (MSH-9)")
	}
	return nil
}

// parseHL7Time accepts the common YYYYMMDDHHMMSS timestamp forms.
func parseHL7Time(s string) (time.Time, error) {
	s = strings.SplitN(s, "+", 2)[0]
	s = strings.SplitN(s, "-", 2)[0]
	for _, layout := range []string{"20060102150405", "200601021504", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("hl7v2: unparseable timestamp %q", s)
}

// Serialize converts a Message back to wire bytes with \r separators.
func Serialize(m *Message) []byte {
	var lines []string
	for _, seg := range m.Segments {
		lines = append(lines, serializeSegment(seg))
	}
	return []byte(strings.Join(lines, "\r"))
}

func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}
	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}

// Ack builds the acknowledgement for an incoming message. code is "AA"
// (accept), "AE" (error), or "AR" (reject). Sender and receiver identities
// are swapped and MSA-2 echoes the original control id.
func Ack(incoming *Message, code string) *Message {
	trigger := ""
	if parts := strings.SplitN(incoming.Type, "^", 2); len(parts) == 2 {
		trigger = parts[1]
	}
	now := time.Now().UTC()
	ts := now.Format("20060102150405")
	controlID := "ACK" + now.Format("20060102150405.000")

	field := func(v string) Field { return Field{Value: v, Components: strings.Split(v, "^")} }
	msh := Segment{Name: "MSH", Fields: []Field{
		field("|"),
		field(`^~\&`),
		field(incoming.ReceivingApp),
		field(incoming.ReceivingFac),
		field(incoming.SendingApp),
		field(incoming.SendingFac),
		field(ts),
		field(""),
		field("ACK^" + trigger),
		field(controlID),
		field("P"),
		field(incoming.Version),
	}}
	msa := Segment{Name: "MSA", Fields: []Field{field(code), field(incoming.ControlID)}}

	return &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
		Segments:     []Segment{msh, msa},
	}
}
