// Package present renders build summaries as a foldable list of bundles,
// each expandable into a Local Path / Bundle Path table.
package present

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/schaermu/simplebundler/internal/build"
)

const (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorMuted   = lipgloss.Color("#6B7280")
	colorSuccess = lipgloss.Color("#10B981")
)

// Key identifies a bundle in the view
type Key struct {
	Name    string
	Variant string
}

// KeyOf returns the view key of a summary
func KeyOf(s build.Summary) Key {
	return Key{Name: s.Name, Variant: s.Variant}
}

// ViewState holds which bundles are expanded. It is owned by the view and
// survives summary replacement.
type ViewState struct {
	expanded map[Key]bool
	all      bool
}

// NewViewState returns a state with every bundle collapsed
func NewViewState() *ViewState {
	return &ViewState{expanded: make(map[Key]bool)}
}

// Toggle flips the expansion of k and returns the new value
func (v *ViewState) Toggle(k Key) bool {
	v.expanded[k] = !v.Expanded(k)
	return v.expanded[k]
}

// SetExpanded sets the expansion of k
func (v *ViewState) SetExpanded(k Key, expanded bool) {
	v.expanded[k] = expanded
}

// ExpandAll makes every bundle without an explicit setting expanded.
func (v *ViewState) ExpandAll() {
	v.all = true
}

// Expanded reports whether k is expanded
func (v *ViewState) Expanded(k Key) bool {
	if e, ok := v.expanded[k]; ok {
		return e
	}
	return v.all
}

// Label is the list heading of a bundle: "Name" or "Name [variant]".
func Label(s build.Summary) string {
	if s.Variant == "" {
		return s.Name
	}
	return fmt.Sprintf("%s [%s]", s.Name, s.Variant)
}

// Renderer writes summaries to w
type Renderer struct {
	w      io.Writer
	state  *ViewState
	styled bool
	r      *lipgloss.Renderer
}

// NewRenderer creates a renderer for w. Output is styled only when w is a
// terminal.
func NewRenderer(w io.Writer, state *ViewState) *Renderer {
	if state == nil {
		state = NewViewState()
	}
	return &Renderer{
		w:      w,
		state:  state,
		styled: isTerminalWriter(w),
		r:      lipgloss.NewRenderer(w),
	}
}

// WithStyle overrides terminal detection
func (r *Renderer) WithStyle(styled bool) *Renderer {
	r.styled = styled
	return r
}

// Render writes one heading per summary, followed by its entry table when
// the bundle is expanded.
func (r *Renderer) Render(summaries []build.Summary) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(r.w, "no bundles")
		return err
	}

	for _, s := range summaries {
		expanded := r.state.Expanded(KeyOf(s))
		if err := r.heading(s, expanded); err != nil {
			return err
		}
		if !expanded {
			continue
		}
		if err := r.pairs(s); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) heading(s build.Summary, expanded bool) error {
	if !r.styled {
		_, err := fmt.Fprintln(r.w, Label(s))
		return err
	}

	marker := "▸"
	if expanded {
		marker = "▾"
	}
	line := r.r.NewStyle().Bold(true).Foreground(colorPrimary).Render(marker + " " + Label(s))
	count := r.r.NewStyle().Foreground(colorMuted).Render(fmt.Sprintf("(%d)", len(s.Pairs)))
	if s.Skipped {
		count += " " + r.r.NewStyle().Foreground(colorSuccess).Render("up to date")
	}
	_, err := fmt.Fprintln(r.w, line, count)
	return err
}

func (r *Renderer) pairs(s build.Summary) error {
	if !r.styled {
		for _, p := range s.Pairs {
			if _, err := fmt.Fprintf(r.w, "  %s\t%s\n", p.LocalPath, p.AddressablePath); err != nil {
				return err
			}
		}
		return nil
	}

	header := r.r.NewStyle().Bold(true).Foreground(colorMuted).Padding(0, 1)
	cell := r.r.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(r.r.NewStyle().Foreground(colorMuted)).
		Headers("Local Path", "Bundle Path").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for _, p := range s.Pairs {
		t.Row(p.LocalPath, p.AddressablePath)
	}

	_, err := fmt.Fprintln(r.w, t.Render())
	return err
}

// RenderJSON writes summaries as indented JSON
func RenderJSON(w io.Writer, summaries []build.Summary) error {
	if summaries == nil {
		summaries = []build.Summary{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
