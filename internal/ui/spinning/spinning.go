// Package spinning provides a spinner to display while the trainer is busy with something
// that has no progress to report, like counting the positions in the training data.
//
// It also handles interruptions (Ctrl+C), see SafeInterrupt.
package spinning

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

// Spinning is a spinner running on its own goroutine, until Done is called.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
}

var (
	ThemeASCII   = []rune(`|/-\`)
	ThemeBraille = []rune("⣾⣽⣻⢿⡿⣟⣯⣷")
	ThemeMoon    = []rune("🌑🌒🌓🌔🌕🌖🌗🌘")

	// Theme defaults to ThemeBraille, but it can be set to anything else before calling New.
	Theme = ThemeBraille

	// Output where the spinner is drawn.
	Output io.Writer = os.Stdout

	// Interval between updates of the spinner.
	Interval = 250 * time.Millisecond
)

// SafeInterrupt will capture SigInt (Ctrl+C) and SigTerm and call the provided onInterrupt.
// If the program hasn't exited after gracePeriod, it will call Reset to reset the terminal
// and exit.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		_, _ = fmt.Fprintln(Output)
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}

		// Wait for gracePeriod before exiting.
		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	_, _ = fmt.Fprint(Output, "\033[?25h\033[39;49;0m\n")
}

// New starts a spinner, prefixed by message, that runs on a separate goroutine.
// It stops when Spinning.Done is called, or when ctx is cancelled.
func New(ctx context.Context, message string) *Spinning {
	s := &Spinning{}
	ctx, s.cancel = context.WithCancel(ctx)
	theme := Theme
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()
		_, _ = fmt.Fprint(Output, "\033[?25l") // Hide cursor.
		defer fmt.Fprint(Output, "\033[?25h")  // Restore cursor.

		start := time.Now()
		for idx := 0; ; idx = (idx + 1) % len(theme) {
			_, _ = fmt.Fprintf(Output, "\r%s %c (%s)\033[0K", message, theme[idx], time.Since(start).Round(time.Second))
			select {
			case <-ctx.Done():
				_, _ = fmt.Fprint(Output, "\r\033[0K")
				return
			case <-ticker.C:
				// continue
			}
		}
	}()
	return s
}

// Done stops the spinner and erases it. It's safe to call it more than once.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
