package task

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// echoModule registers "echo", which copies input to output with an optional
// prefix, suffix and upper-casing. Params: prefix, suffix, uppercase.
type echoModule struct{}

func (m *echoModule) Register(r *Registry) {
	r.Register("echo", func(map[string]string) (Logic, error) { return Echo{}, nil })
}

// Echo is the built-in "echo" logic. Its params are read straight from the
// seeded context, so it needs no Setup.
type Echo struct{}

func (Echo) Run(_ context.Context, tc *Context, input, output string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	content := string(data)
	if tc.Bool("uppercase") {
		content = strings.ToUpper(content)
	}
	content = tc.String("prefix") + content + tc.String("suffix")
	if err := os.WriteFile(output, []byte(content), 0o644); err != nil {
		return Transient(fmt.Errorf("write output: %w", err))
	}
	return nil
}
