package transcript

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the layout of the timestamp field in the export format.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const null = "null"

// Format renders m as one export line:
//
//	[Modality][Direction][DisplayName (Alias)(URI) | null][ConversationID | null][ConferenceURI | null][Timestamp][Content]
//
// Newlines inside the content are escaped so a message always occupies one line.
// ']' and '\' inside the sender, conversation ID and conference URI are
// escaped with '\' so the header fields can be split.
func (m Message) Format() string {
	var b strings.Builder
	field := func(s string) {
		b.WriteByte('[')
		b.WriteString(s)
		b.WriteByte(']')
	}

	field(string(m.modality))
	field(string(m.direction))
	field(escapeField(formatSender(m.sender)))
	field(escapeField(orNull(m.conversationID)))
	field(escapeField(orNull(m.conferenceURI)))
	field(m.timestamp.Format(TimestampLayout))
	field(escapeContent(m.content))
	return b.String()
}

func formatSender(s Sender) string {
	if s.IsZero() {
		return null
	}
	return fmt.Sprintf("%s (%s)(%s)", s.DisplayName, s.Alias, s.URI)
}

func orNull(s string) string {
	if s == "" {
		return null
	}
	return s
}

var contentEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

func escapeContent(s string) string {
	return contentEscaper.Replace(s)
}

func unescapeContent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

var fieldEscaper = strings.NewReplacer(`\`, `\\`, `]`, `\]`)

func escapeField(s string) string {
	return fieldEscaper.Replace(s)
}

// isFieldEscape reports whether s[i] starts an escape written by escapeField.
// Other backslashes are literal.
func isFieldEscape(s string, i int) bool {
	return s[i] == '\\' && i+1 < len(s) && (s[i+1] == '\\' || s[i+1] == ']')
}

func unescapeField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if isFieldEscape(s, i) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// fieldEnd returns the index of the first unescaped ']' in s, or -1.
func fieldEnd(s string) int {
	for i := 0; i < len(s); i++ {
		switch {
		case isFieldEscape(s, i):
			i++
		case s[i] == ']':
			return i
		}
	}
	return -1
}

// ParseLine parses one export line back into a Message. The first six fields
// end at the first unescaped ']'; the content field extends to the final ']'.
func ParseLine(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := make([]string, 0, 7)
	rest := line
	for i := 0; i < 6; i++ {
		if !strings.HasPrefix(rest, "[") {
			return Message{}, fmt.Errorf("field %d: missing '['", i+1)
		}
		end := fieldEnd(rest)
		if end < 0 {
			return Message{}, fmt.Errorf("field %d: missing ']'", i+1)
		}
		fields = append(fields, unescapeField(rest[1:end]))
		rest = rest[end+1:]
	}
	if !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") {
		return Message{}, fmt.Errorf("content field is not bracketed")
	}
	fields = append(fields, rest[1:len(rest)-1])

	modality := Modality(fields[0])
	if !modality.IsValid() {
		return Message{}, fmt.Errorf("unknown modality %q", fields[0])
	}
	direction := Direction(fields[1])
	if direction != DirectionIncoming && direction != DirectionOutgoing {
		return Message{}, fmt.Errorf("unknown direction %q", fields[1])
	}
	sender, err := parseSender(fields[2])
	if err != nil {
		return Message{}, err
	}
	ts, err := time.Parse(TimestampLayout, fields[5])
	if err != nil {
		return Message{}, fmt.Errorf("parsing timestamp: %w", err)
	}

	return NewMessage(MessageParams{
		Content:        unescapeContent(fields[6]),
		Sender:         sender,
		Timestamp:      ts,
		ConversationID: fromNull(fields[3]),
		ConferenceURI:  fromNull(fields[4]),
		Modality:       modality,
		Direction:      direction,
	}), nil
}

func fromNull(s string) string {
	if s == null {
		return ""
	}
	return s
}

// parseSender reads "DisplayName (Alias)(URI)" from the right so display
// names may contain parentheses.
func parseSender(s string) (Sender, error) {
	if s == null {
		return Sender{}, nil
	}
	if !strings.HasSuffix(s, ")") {
		return Sender{}, fmt.Errorf("malformed sender %q", s)
	}
	uriStart := strings.LastIndex(s, ")(")
	if uriStart < 0 {
		return Sender{}, fmt.Errorf("malformed sender %q", s)
	}
	uri := s[uriStart+2 : len(s)-1]
	head := s[:uriStart]
	aliasStart := strings.LastIndex(head, " (")
	if aliasStart < 0 {
		return Sender{}, fmt.Errorf("malformed sender %q", s)
	}
	return Sender{
		DisplayName: head[:aliasStart],
		Alias:       head[aliasStart+2:],
		URI:         uri,
	}, nil
}
