package session

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// environmentPrompt describes the machine the turn runs on. It sits between
// the agent prompt and any per-message system text.
func environmentPrompt(directory string) string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "unknown"
	}

	var b strings.Builder
	b.WriteString("Here is some useful information about the environment you are running in:\n")
	b.WriteString("<env>\n")
	fmt.Fprintf(&b, "  Working directory: %s\n", directory)
	fmt.Fprintf(&b, "  Platform: %s\n", runtime.GOOS)
	fmt.Fprintf(&b, "  Shell: %s\n", shell)
	fmt.Fprintf(&b, "  Today's date: %s\n", time.Now().Format("2006-01-02"))
	b.WriteString("</env>")
	return b.String()
}

// maxStepsPrompt is the synthetic assistant turn injected on the last
// permitted step.
const maxStepsPrompt = "Max steps reached. Provide final response now."
