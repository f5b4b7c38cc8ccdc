package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/wasm-tierup/osr"
	"github.com/wippyai/wasm-tierup/wasm"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// styled reports whether stdout is a terminal worth colouring.
func styled() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func render(s lipgloss.Style, text string, color bool) string {
	if !color {
		return text
	}
	return s.Render(text)
}

func runList(opts options) error {
	mod, err := loadModule(opts.wasmFile)
	if err != nil {
		return err
	}
	return writeListing(os.Stdout, opts.wasmFile, mod, styled())
}

func writeListing(w io.Writer, name string, mod *wasm.Module, color bool) error {
	fmt.Fprintf(w, "%s %s\n", render(titleStyle, "Module", color), name)
	fmt.Fprintf(w, "Imported functions: %d\n", mod.NumImportedFuncs())
	fmt.Fprintf(w, "Defined functions: %d\n\n", len(mod.Funcs))

	for fn := mod.NumImportedFuncs(); fn < mod.NumFuncs(); fn++ {
		ft, err := mod.FuncType(fn)
		if err != nil {
			return err
		}
		label := fmt.Sprintf("func %d", fn)
		if export, ok := mod.ExportName(fn); ok {
			label += " " + export
		}
		fmt.Fprintf(w, "%s %s\n", render(funcStyle, label, color), render(typeStyle, ft.String(), color))

		table, err := osr.Analyze(mod, fn)
		if err != nil {
			fmt.Fprintf(w, "  %s\n", render(errorStyle, err.Error(), color))
			continue
		}
		fmt.Fprintf(w, "  locals %d, max stack %d, frame %d\n", table.LocalCount, table.MaxStack, table.FrameSize())
		if table.Len() == 0 {
			fmt.Fprintln(w, render(helpStyle, "  no loops", color))
			continue
		}
		for _, d := range table.Descriptors() {
			fmt.Fprintf(w, "  %s\n", describe(d))
		}
	}
	return nil
}

func describe(d osr.Descriptor) string {
	var flags []string
	if d.TopLevel {
		flags = append(flags, "top-level")
	}
	if d.Params > 0 {
		flags = append(flags, fmt.Sprintf("params=%d", d.Params))
	}
	s := fmt.Sprintf("loop %-3d @%-5d locals=%d stack=%d handlers=%d size=%d",
		d.LoopID, d.Offset, d.LocalCount, d.StackCount, d.ExceptionDepth, d.Size())
	if len(flags) > 0 {
		s += " [" + strings.Join(flags, ",") + "]"
	}
	return s
}
