package main

import (
	"io"
	"strings"
	"testing"

	"github.com/chzyer/readline"
)

func TestBasicLineInputReadsTrailingLine(t *testing.T) {
	// 最后一行没有换行符也要能读到 / a final line without a newline still reads
	in := strings.NewReader("hello\nworld")
	var out strings.Builder
	b := newBasicLineInput(in, &out)

	line, err := b.ReadLine("> ")
	if err != nil || line != "hello" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	line, err = b.ReadLine("> ")
	if err != nil || line != "world" {
		t.Fatalf("trailing line = %q, %v", line, err)
	}
	if _, err := b.ReadLine("> "); err != io.EOF {
		t.Fatalf("after exhaustion err = %v, want EOF", err)
	}
	if !strings.Contains(out.String(), "> ") {
		t.Errorf("prompt not echoed: %q", out.String())
	}
}

func TestSlashCompleterCoversREPLCommands(t *testing.T) {
	roots := map[string]bool{}
	for _, child := range slashCompleter().(*readline.PrefixCompleter).GetChildren() {
		roots[strings.TrimSpace(string(child.GetName()))] = true
	}
	for _, help := range replCommands {
		cmd := strings.Fields(help)[0]
		if !roots[cmd] {
			t.Errorf("command %s missing from completer", cmd)
		}
	}
}
