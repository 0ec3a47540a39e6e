package console

import (
	"strings"

	"github.com/chzyer/readline"
)

const (
	Yes = "y"
	No  = "n"
)

var yesNoConstraints = []string{"y", "n"}

func YesOrNo(question string) (string, error) {
	return Prompt(question, yesNoConstraints...)
}

// Prompt asks a single question. With constraints the answer is normalized
// to one of them and the first one is the default.
func Prompt(question string, constraints ...string) (string, error) {
	if len(constraints) == 0 {
		rl, err := readline.New(question)
		if err != nil {
			return "", err
		}
		defer rl.Close()
		return rl.Readline()
	}
	var prompt strings.Builder
	prompt.WriteString(question)
	prompt.WriteString(" [")
	prompt.WriteString(strings.ToUpper(constraints[0]))
	for _, c := range constraints[1:] {
		prompt.WriteString("/")
		prompt.WriteString(c)
	}
	prompt.WriteString("]:")
	rl, err := readline.New(prompt.String())
	if err != nil {
		return "", err
	}
	defer rl.Close()
	response, err := rl.Readline()
	if err != nil {
		return "", err
	}
	return normalize(response, constraints), nil
}

func normalize(response string, constraints []string) string {
	normalized := strings.ToLower(strings.TrimSpace(response))
	for _, c := range constraints {
		if normalized == c {
			return normalized
		}
	}
	return constraints[0]
}

// Shell is a line editor with history and completion for an interactive
// session.
type Shell struct {
	rl *readline.Instance
}

// NewShell creates a shell completing the given commands. Each command maps
// to the words accepted as its first argument.
func NewShell(prompt string, commands map[string][]string) (*Shell, error) {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for cmd, args := range commands {
		sub := make([]readline.PrefixCompleterInterface, 0, len(args))
		for _, a := range args {
			sub = append(sub, readline.PcItem(a))
		}
		items = append(items, readline.PcItem(cmd, sub...))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, err
	}
	return &Shell{rl: rl}, nil
}

// Readline returns io.EOF on ctrl-d and readline.ErrInterrupt on ctrl-c.
func (s *Shell) Readline() (string, error) {
	return s.rl.Readline()
}

func (s *Shell) Close() error {
	return s.rl.Close()
}
