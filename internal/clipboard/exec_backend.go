package clipboard

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/post-sync/post/internal/payload"
)

// ExecBackend shells out to the platform clipboard tool (xclip/xsel,
// pbcopy/pbpaste, clip/powershell). Platform-specific clipboard I/O is
// treated as an external collaborator, so this stays a thin, swappable
// default rather than something the core depends on getting exactly right.
type ExecBackend struct {
	readCmd, readArgs   string
	writeCmd, writeArgs []string

	mu   sync.Mutex
	last string
}

// NewExecBackend selects a read/write command pair for the running OS.
// Returns an error if no known clipboard tool applies (e.g. Linux without
// xclip or xsel on PATH); callers fall back to MemoryBackend in that
// case for tests or non-interactive deployments.
func NewExecBackend() (*ExecBackend, error) {
	switch runtime.GOOS {
	case "darwin":
		return &ExecBackend{readCmd: "pbpaste"}, nil
	case "linux":
		if path, err := exec.LookPath("xclip"); err == nil {
			_ = path
			return &ExecBackend{readCmd: "xclip", readArgs: "-selection clipboard -o"}, nil
		}
		if path, err := exec.LookPath("xsel"); err == nil {
			_ = path
			return &ExecBackend{readCmd: "xsel", readArgs: "--clipboard --output"}, nil
		}
		return nil, fmt.Errorf("clipboard: no xclip or xsel found on PATH")
	case "windows":
		return &ExecBackend{readCmd: "powershell", readArgs: "-NoProfile -Command Get-Clipboard"}, nil
	default:
		return nil, fmt.Errorf("clipboard: unsupported platform %s", runtime.GOOS)
	}
}

func (e *ExecBackend) Read() (Content, bool, error) {
	var cmd *exec.Cmd
	switch e.readCmd {
	case "pbpaste":
		cmd = exec.Command("pbpaste")
	case "xclip":
		cmd = exec.Command("xclip", "-selection", "clipboard", "-o")
	case "xsel":
		cmd = exec.Command("xsel", "--clipboard", "--output")
	case "powershell":
		cmd = exec.Command("powershell", "-NoProfile", "-Command", "Get-Clipboard")
	default:
		return Content{}, false, fmt.Errorf("clipboard: no read command configured")
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return Content{}, false, err
	}

	text := out.String()
	if text == "" {
		return Content{}, false, nil
	}

	e.mu.Lock()
	e.last = text
	e.mu.Unlock()

	return Content{Bytes: []byte(text), Mime: payload.MIMEText}, true, nil
}

func (e *ExecBackend) Write(c Content) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		if _, err := exec.LookPath("xclip"); err == nil {
			cmd = exec.Command("xclip", "-selection", "clipboard")
		} else if _, err := exec.LookPath("xsel"); err == nil {
			cmd = exec.Command("xsel", "--clipboard", "--input")
		} else {
			return fmt.Errorf("clipboard: no xclip or xsel found on PATH")
		}
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("clipboard: unsupported platform %s", runtime.GOOS)
	}

	cmd.Stdin = bytes.NewReader(c.Bytes)
	if err := cmd.Run(); err != nil {
		return err
	}

	e.mu.Lock()
	e.last = string(c.Bytes)
	e.mu.Unlock()
	return nil
}

func (e *ExecBackend) Close() error { return nil }

// MemoryBackend is an in-process Backend used by tests and by any deployment
// that wants a clipboard-less echo chamber (e.g. CI). It also implements
// Subscriber so Adapter.Subscribe skips polling for it.
type MemoryBackend struct {
	mu      sync.Mutex
	current Content
	hasVal  bool
	subs    []chan Content
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Read() (Content, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasVal {
		return Content{}, false, nil
	}
	return m.current, true, nil
}

func (m *MemoryBackend) Write(c Content) error {
	m.mu.Lock()
	m.current = c
	m.hasVal = true
	subs := append([]chan Content(nil), m.subs...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- c:
		default:
		}
	}
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) Subscribe(ctx context.Context) (<-chan Content, error) {
	ch := make(chan Content, 8)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// SetExternal writes content without notifying subscribers, letting tests
// place a value on the clipboard as if it came from outside the process.
func (m *MemoryBackend) SetExternal(c Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = c
	m.hasVal = true
}
