package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// terminalPrompter satisfies gates.Prompter by asking on the controlling
// terminal. Only run mode uses it; serve mode passes no prompter and the
// driver skips interactive dialogues.
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: bufio.NewReader(in), out: out}
}

type promptReply struct {
	text string
	err  error
}

// Ask prints the prompt and blocks for one line of input. A cancelled
// context wins over the read; the reader goroutine then stays parked on
// stdin until the process exits, which is fine for a CLI.
func (p *terminalPrompter) Ask(ctx context.Context, prompt string) (string, error) {
	fmt.Fprintln(p.out, prompt)
	fmt.Fprint(p.out, "> ")

	ch := make(chan promptReply, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- promptReply{text: strings.TrimSpace(line), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case reply := <-ch:
		if reply.err != nil && reply.text == "" {
			return "", reply.err
		}
		return reply.text, nil
	}
}
