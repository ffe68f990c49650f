package console

import (
	"fmt"

	"github.com/gookit/color"
)

// Infof prints a plain line.
func Infof(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}

func Successf(format string, args ...interface{}) {
	color.Green.Printf(format+"\n", args...)
}

func Warnf(format string, args ...interface{}) {
	color.Yellow.Printf(format+"\n", args...)
}

func Errorf(format string, args ...interface{}) {
	color.Red.Printf(format+"\n", args...)
}

// Chat prints a line received from sender.
func Chat(sender, line string) {
	fmt.Printf("%s %s\n", color.Cyan.Sprintf("[%s]", sender), line)
}

// Commandf prints a command request or response received from sender.
func Commandf(sender, what string, args ...interface{}) {
	fmt.Printf("%s %s\n", color.Magenta.Sprintf("[%s]", sender), fmt.Sprintf(what, args...))
}
