package term

// AnsiStripper removes ANSI escape sequences and control bytes from a
// terminal byte stream. Sequences may span Write calls, so the parser
// state persists between calls.
type AnsiStripper struct {
	state ansiState
}

type ansiState int

const (
	ansiText ansiState = iota
	ansiEsc
	ansiCSI
	ansiOSC
	ansiDCS
	ansiOSCEsc
	ansiDCSEsc
)

func NewAnsiStripper() *AnsiStripper {
	return &AnsiStripper{}
}

func (f *AnsiStripper) Strip(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}

	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch f.state {
		case ansiText:
			switch b {
			case 0x1b:
				f.state = ansiEsc
			case 0x9b:
				f.state = ansiCSI
			case 0x9d:
				f.state = ansiOSC
			case 0x90, 0x9e, 0x9f:
				f.state = ansiDCS
			case '\n', '\r', '\t':
				out = append(out, b)
			default:
				if b < 0x20 || b == 0x7f || (b >= 0x80 && b <= 0x9f) {
					continue
				}
				out = append(out, b)
			}
		case ansiEsc:
			switch b {
			case '[':
				f.state = ansiCSI
			case ']':
				f.state = ansiOSC
			case 'P', '^', '_':
				f.state = ansiDCS
			default:
				f.state = ansiText
			}
		case ansiCSI:
			// Final bytes 0x40-0x7e terminate a CSI sequence.
			if b >= 0x40 && b <= 0x7e {
				f.state = ansiText
			}
		case ansiOSC:
			if b == 0x07 {
				f.state = ansiText
			} else if b == 0x1b {
				f.state = ansiOSCEsc
			}
		case ansiOSCEsc:
			if b == '\\' {
				f.state = ansiText
			} else {
				f.state = ansiOSC
			}
		case ansiDCS:
			if b == 0x1b {
				f.state = ansiDCSEsc
			}
		case ansiDCSEsc:
			if b == '\\' {
				f.state = ansiText
			} else {
				f.state = ansiDCS
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (f *AnsiStripper) Reset() {
	f.state = ansiText
}
