package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
)

type lineInput interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

// basicLineInput 无终端控制能力时的退路（管道、非 TTY）
// basicLineInput is the fallback when no terminal control is available
// (pipes, non-TTY stdin).
type basicLineInput struct {
	reader *bufio.Reader
	out    io.Writer
}

func newBasicLineInput(in io.Reader, out io.Writer) *basicLineInput {
	return &basicLineInput{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

func (b *basicLineInput) ReadLine(prompt string) (string, error) {
	if b.out != nil {
		fmt.Fprint(b.out, prompt)
	}
	line, err := b.reader.ReadString('\n')
	if err != nil {
		// 管道末尾没有换行的最后一行仍然有效
		// a final line without a trailing newline is still a line
		if err == io.EOF && strings.TrimSpace(line) != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (b *basicLineInput) Close() error { return nil }

type readlineInput struct {
	instance *readline.Instance
}

func newReadlineInput(historyPath string) (*readlineInput, error) {
	if historyPath != "" {
		if err := os.MkdirAll(filepath.Dir(historyPath), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	instance, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyPath,
		HistoryLimit:      500,
		HistorySearchFold: true,
		AutoComplete:      slashCompleter(),
	})
	if err != nil {
		return nil, err
	}
	return &readlineInput{instance: instance}, nil
}

func (r *readlineInput) ReadLine(prompt string) (string, error) {
	r.instance.SetPrompt(prompt)
	return r.instance.Readline()
}

func (r *readlineInput) Close() error {
	if r == nil || r.instance == nil {
		return nil
	}
	return r.instance.Close()
}

// slashCompleter 斜杠命令与子命令的 tab 补全
// slashCompleter tab-completes slash commands and their subcommands.
func slashCompleter() readline.AutoCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("/help"),
		readline.PcItem("/new"),
		readline.PcItem("/save"),
		readline.PcItem("/sessions"),
		readline.PcItem("/use"),
		readline.PcItem("/delete"),
		readline.PcItem("/export",
			readline.PcItem("txt"),
			readline.PcItem("md"),
			readline.PcItem("json"),
		),
		readline.PcItem("/facts"),
		readline.PcItem("/forget"),
		readline.PcItem("/knowledge",
			readline.PcItem("list"),
			readline.PcItem("show"),
			readline.PcItem("search"),
			readline.PcItem("add"),
			readline.PcItem("delete"),
			readline.PcItem("activate"),
			readline.PcItem("deactivate"),
		),
		readline.PcItem("/persona"),
		readline.PcItem("/models"),
		readline.PcItem("/web",
			readline.PcItem("search"),
			readline.PcItem("fetch"),
		),
		readline.PcItem("/context"),
		readline.PcItem("/stats"),
		readline.PcItem("/exit"),
	)
}

func newLineInput(historyPath string) (lineInput, error) {
	readlineReader, err := newReadlineInput(historyPath)
	if err == nil {
		return readlineReader, nil
	}
	return newBasicLineInput(os.Stdin, os.Stdout), err
}

func printREPLCommands(out io.Writer) {
	if out == nil {
		return
	}
	fmt.Fprintln(out, "commands:")
	for _, cmd := range replCommands {
		fmt.Fprintf(out, "  %s\n", cmd)
	}
}
