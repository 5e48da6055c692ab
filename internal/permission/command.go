package permission

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// CommandPatterns derives permission patterns from a shell command line. Each
// simple command in the line yields its name plus subcommand as a pattern,
// so `git commit -m x && ls -la` yields ["git commit", "ls"]. Patterns feed
// Evaluate against rules like "git *" or "git push *". A command that fails
// to parse yields the raw string as its only pattern.
func CommandPatterns(command string) []string {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return []string{command}
	}

	var patterns []string
	syntax.Walk(file, func(node syntax.Node) bool {
		switch node := node.(type) {
		case *syntax.CmdSubst, *syntax.ProcSubst:
			// Substituted commands already appear as the $() placeholder in
			// the enclosing pattern; their internals are not matchable.
			return false
		case *syntax.CallExpr:
			if p := callPattern(node); p != "" {
				patterns = append(patterns, p)
			}
		}
		return true
	})

	if len(patterns) == 0 {
		return []string{command}
	}
	return patterns
}

// callPattern renders one simple command as "name" or "name subcommand",
// skipping leading flags.
func callPattern(call *syntax.CallExpr) string {
	if len(call.Args) == 0 {
		return ""
	}
	name := wordText(call.Args[0])
	if name == "" {
		return ""
	}
	for _, arg := range call.Args[1:] {
		text := wordText(arg)
		if text == "" || strings.HasPrefix(text, "-") {
			continue
		}
		return fmt.Sprintf("%s %s", name, text)
	}
	return name
}

// wordText flattens a shell word to its literal text. Dynamic parts become
// placeholders so a substitution can never masquerade as an approved literal.
func wordText(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				if lit, ok := inner.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}
