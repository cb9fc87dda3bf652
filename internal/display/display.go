// Package display shows the latest value of each dispatched field on a
// terminal.
package display

import (
	"fmt"
	"io"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/fatih/color"
)

// Console prints one line per update and remembers the latest value of each
// field.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	name   *color.Color
	value  *color.Color
	latest *hashmap.Map[string, string]
}

// Options controls how updates are rendered.
type Options struct {
	// Color forces ANSI colors on or off. nil leaves the decision to
	// fatih/color's terminal detection.
	Color *bool
}

func New(out io.Writer, opts Options) *Console {
	name := color.New(color.FgCyan, color.Bold)
	value := color.New(color.FgGreen)
	if opts.Color != nil {
		if *opts.Color {
			name.EnableColor()
			value.EnableColor()
		} else {
			name.DisableColor()
			value.DisableColor()
		}
	}

	return &Console{
		out:    out,
		name:   name,
		value:  value,
		latest: hashmap.New[string, string](),
	}
}

// Update records value for name and prints it.
func (c *Console) Update(name, value string) error {
	c.latest.Set(name, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "%s %s\n", c.name.Sprint(name+":"), c.value.Sprint(value))
	return err
}

// Latest returns the last value shown for name.
func (c *Console) Latest(name string) (string, bool) {
	return c.latest.Get(name)
}

// Snapshot returns every field's latest value.
func (c *Console) Snapshot() map[string]string {
	out := make(map[string]string, c.latest.Len())
	c.latest.Range(func(k, v string) bool {
		out[k] = v
		return true
	})
	return out
}
