package transport

// Single-unit and multipart segment sizes in characters. Multipart segments
// are smaller because each carries a concatenation header.
const (
	singleUnitLimit  = 160
	multipartSegment = 153
)

// SplitMessage divides a message body into ordered parts the way the carrier
// network expects. Bodies within the single-unit limit come back as one part.
func SplitMessage(body string) []string {
	runes := []rune(body)
	if len(runes) <= singleUnitLimit {
		return []string{body}
	}

	var parts []string
	for start := 0; start < len(runes); start += multipartSegment {
		end := start + multipartSegment
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
