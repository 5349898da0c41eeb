package delivery

import "strings"

// EchoToken is the short unique string embedded in every injected
// payload. The echo matcher's first phase looks for exactly this.
func EchoToken(id string) string {
	return "courier:" + id
}

// InjectionBlock is one or more coalesced deliveries from the same
// sender, written to the PTY as a single atomic payload.
type InjectionBlock struct {
	Sender     string
	Deliveries []*PendingDelivery
}

// Payload formats the block for injection. A leading newline clears any
// partially-typed prompt line; the trailing carriage return submits the
// block to the wrapped program.
func (b *InjectionBlock) Payload() []byte {
	var sb strings.Builder
	sb.WriteByte('\n')
	for _, d := range b.Deliveries {
		sb.WriteByte('[')
		sb.WriteString(EchoToken(d.ID))
		sb.WriteString("] ")
		sb.WriteString(d.From)
		sb.WriteString(": ")
		sb.WriteString(strings.TrimRight(d.Body, "\r\n"))
		sb.WriteByte('\n')
	}
	sb.WriteByte('\r')
	return []byte(sb.String())
}
