// Package cli holds the small interactive helpers shared by the commands.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Prompter asks questions on Out and reads answers from In.
type Prompter struct {
	// Yes answers every prompt with its default.
	Yes bool

	in  *bufio.Reader
	out io.Writer
}

// NewPrompter returns a prompter reading from in and writing to out.
func NewPrompter(in io.Reader, out io.Writer, yes bool) *Prompter {
	return &Prompter{Yes: yes, in: bufio.NewReader(in), out: out}
}

// AskYesNo prompts for a yes/no answer with a default. End of input counts
// as the default.
func (p *Prompter) AskYesNo(msg string, def bool) bool {
	defStr := "yes"
	if !def {
		defStr = "no"
	}
	if p.Yes {
		fmt.Fprintf(p.out, "%s [%s]: %s\n", msg, defStr, map[bool]string{true: "yes", false: "no"}[def])
		return def
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", msg, defStr)
		in, err := p.in.ReadString('\n')
		in = strings.TrimSpace(strings.ToLower(in))
		switch in {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		case "":
			return def
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(p.out, "Please answer 'yes' or 'no'.")
	}
}
