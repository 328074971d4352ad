package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/yourusername/visit-export/internal/exportjob"
)

var _ exportjob.Notifier = (*terminalNotifier)(nil)

// terminalNotifier は通知を端末に1行ずつ表示します。
type terminalNotifier struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminalNotifier(out io.Writer) *terminalNotifier {
	return &terminalNotifier{out: out}
}

func (n *terminalNotifier) Success(message string) {
	n.print("ok", message)
}

func (n *terminalNotifier) Error(message string) {
	n.print("error", message)
}

func (n *terminalNotifier) print(level, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, "[%s] %s\n", level, message)
}
