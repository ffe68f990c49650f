// Package console is the interactive terminal shared by the ChatBridge
// binaries.
//
// On a terminal input is read with a line editor offering completion of the
// known commands. Otherwise, for example under a service manager, lines are
// read from stdin as they come and the process keeps running after stdin
// ends.
package console

import (
	"bufio"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/golang/glog"
	"golang.org/x/term"
)

// Command documents one console command for help and completion.
type Command struct {
	Name        string
	Args        string
	Description string
}

// Executor runs one input line. Returning true ends the console.
type Executor func(line string) (quit bool)

type Console struct {
	prefix   string
	commands []Command
	exec     Executor

	quit      atomic.Bool
	interrupt chan os.Signal
}

func New(prefix string, commands []Command, exec Executor) *Console {
	return &Console{
		prefix:    prefix,
		commands:  commands,
		exec:      exec,
		interrupt: make(chan os.Signal, 3),
	}
}

// Interactive reports whether stdin is a terminal.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Run reads commands until one of them quits, input ends on a terminal, or
// the process is interrupted. shutdown runs exactly once before Run returns;
// after an interrupt the process exits with status 0.
func (c *Console) Run(shutdown func()) {
	var once sync.Once
	stop := func() { once.Do(shutdown) }

	signal.Notify(c.interrupt, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	go func() {
		sig, ok := <-c.interrupt
		if !ok {
			return
		}
		glog.Infof("console: received %s, shutting down", sig)
		stop()
		glog.Flush()
		os.Exit(0)
	}()

	if Interactive() {
		c.runPrompt()
	} else {
		c.runLines()
	}
	signal.Stop(c.interrupt)
	close(c.interrupt)
	stop()
}

func (c *Console) execute(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if c.exec(line) {
		c.quit.Store(true)
	}
}

func (c *Console) runPrompt() {
	p := prompt.New(
		c.execute,
		c.complete,
		prompt.OptionPrefix(c.prefix),
		prompt.OptionAddKeyBind(prompt.KeyBind{
			Key: prompt.ControlC,
			Fn:  func(*prompt.Buffer) { c.interrupt <- os.Interrupt },
		}),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return c.quit.Load() }),
	)
	p.Run()
}

func (c *Console) runLines() {
	s := bufio.NewScanner(os.Stdin)
	for !c.quit.Load() && s.Scan() {
		c.execute(s.Text())
	}
	if err := s.Err(); err != nil {
		glog.Errorf("console: reading stdin: %s", err)
	}
	if c.quit.Load() {
		return
	}
	// No more input, but that is not a request to stop.
	glog.Infof("console: stdin closed, running until interrupted")
	select {}
}

func (c *Console) complete(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterHasPrefix(c.Suggestions(), d.GetWordBeforeCursor(), true)
}

// Suggestions lists the commands in completion form.
func (c *Console) Suggestions() []prompt.Suggest {
	s := make([]prompt.Suggest, 0, len(c.commands))
	for _, cmd := range c.commands {
		s = append(s, prompt.Suggest{Text: cmd.Name, Description: cmd.Description})
	}
	return s
}

// PrintHelp prints the command list.
func PrintHelp(commands []Command) {
	for _, cmd := range commands {
		usage := cmd.Name
		if cmd.Args != "" {
			usage += " " + cmd.Args
		}
		Infof("  %-20s %s", usage, cmd.Description)
	}
}
