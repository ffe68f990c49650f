//go:build !(aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris)

package console

import (
	"os"

	"golang.org/x/term"
)

type TermSize struct {
	WSRow, WSCol uint
}

func GetTermSize() (TermSize, error) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return TermSize{}, err
	}
	return TermSize{WSRow: uint(h), WSCol: uint(w)}, nil
}
