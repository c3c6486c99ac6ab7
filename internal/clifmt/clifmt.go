package clifmt

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// Styler colours CLI output when it goes to a terminal and leaves it plain
// otherwise.
type Styler struct {
	color bool
}

// For returns a Styler for w. Only terminal *os.File writers get colour, and
// never when NO_COLOR is set or TERM is dumb.
func For(w io.Writer) Styler {
	f, ok := w.(*os.File)
	if !ok {
		return Styler{}
	}
	return Styler{color: colorAllowed() && term.IsTerminal(int(f.Fd()))}
}

func (s Styler) Headerf(format string, args ...any) string {
	return s.colorize("1;36", fmt.Sprintf(format, args...))
}

func (s Styler) Warn(text string) string {
	return s.colorize("33", text)
}

func (s Styler) Dim(text string) string {
	return s.colorize("2", text)
}

func (s Styler) Key(text string) string {
	return s.colorize("1;33", text)
}

func (s Styler) colorize(code string, text string) string {
	if !s.color {
		return text
	}
	return "\x1b[" + code + "m" + text + "\x1b[0m"
}

func colorAllowed() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return os.Getenv("TERM") != "dumb"
}
