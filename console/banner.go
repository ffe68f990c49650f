package console

import (
	"fmt"

	"github.com/common-nighthawk/go-figure"
)

// Banner renders title in large letters, or returns just the title when the
// terminal is too narrow for them.
func Banner(title string) string {
	fig := figure.NewFigure(title, "", true)
	width := 0
	for _, l := range fig.Slicify() {
		if len(l) > width {
			width = len(l)
		}
	}
	if sz, err := GetTermSize(); err != nil || int(sz.WSCol) < width {
		return title
	}
	return fig.String()
}

// PrintBanner prints the banner when stdout is a terminal.
func PrintBanner(title string) {
	if !Interactive() {
		return
	}
	fmt.Println(Banner(title))
}
