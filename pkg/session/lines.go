package session

// MaxLineLen bounds one input line; longer input is truncated.
const MaxLineLen = 4096

// LineAssembler collects plain data into lines. LF, CR LF, CR NUL and a
// bare CR each end a line. Backspace and DEL erase, other control
// characters are dropped.
type LineAssembler struct {
	buf    []byte
	sawCR  bool
	maxLen int
}

// NewLineAssembler returns an assembler with the default line limit.
func NewLineAssembler() *LineAssembler {
	return &LineAssembler{maxLen: MaxLineLen}
}

// Write consumes p and returns the lines it completed.
func (a *LineAssembler) Write(p []byte) []string {
	var lines []string
	for _, b := range p {
		if a.sawCR {
			a.sawCR = false
			if b == '\n' || b == 0 {
				continue
			}
		}
		switch {
		case b == '\r':
			a.sawCR = true
			lines = append(lines, a.take())
		case b == '\n':
			lines = append(lines, a.take())
		case b == 0x08 || b == 0x7f:
			if len(a.buf) > 0 {
				a.buf = a.buf[:len(a.buf)-1]
			}
		case b < 0x20 && b != '\t':
		default:
			if len(a.buf) < a.maxLen {
				a.buf = append(a.buf, b)
			}
		}
	}
	return lines
}

func (a *LineAssembler) take() string {
	s := string(a.buf)
	a.buf = a.buf[:0]
	return s
}
