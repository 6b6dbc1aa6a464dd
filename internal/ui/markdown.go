package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
)

// RenderMarkdown renders md for the terminal, falling back to raw text.
func RenderMarkdown(md string, dark bool) {
	style := "light"
	if dark {
		style = "dark"
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Fprintln(os.Stdout, md)
		return
	}

	out, err := renderer.Render(md)
	if err != nil {
		fmt.Fprintln(os.Stdout, md)
		return
	}

	fmt.Fprint(os.Stdout, out)
}
