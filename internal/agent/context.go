package agent

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// EnvInfo is the static process information rendered into the <env> block.
type EnvInfo struct {
	Product   string
	Version   string
	Port      int
	Platform  string
	OSVersion string
	Runtime   string // runtime label, e.g. "go1.25"
	Hostname  string
}

// GitStatus is the repository snapshot rendered into <git_status>.
type GitStatus struct {
	IsRepo   bool
	Branch   string
	Ahead    int
	Behind   int
	Dirty    int
	Detached bool
}

// GitCollector computes the git status for a working directory.
type GitCollector func(cwd string) GitStatus

// CollectGitStatus shells out to git. Any failure renders as a non-repo.
func CollectGitStatus(cwd string) GitStatus {
	out, err := runGit(cwd, "status", "--porcelain=v2", "--branch")
	if err != nil {
		return GitStatus{}
	}

	st := GitStatus{IsRepo: true}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			st.Branch = strings.TrimPrefix(line, "# branch.head ")
			st.Detached = st.Branch == "(detached)"
		case strings.HasPrefix(line, "# branch.ab "):
			fields := strings.Fields(strings.TrimPrefix(line, "# branch.ab "))
			if len(fields) == 2 {
				st.Ahead, _ = strconv.Atoi(strings.TrimPrefix(fields[0], "+"))
				st.Behind, _ = strconv.Atoi(strings.TrimPrefix(fields[1], "-"))
			}
		case line != "" && !strings.HasPrefix(line, "#"):
			st.Dirty++
		}
	}
	return st
}

func runGit(cwd string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	out, err := cmd.Output()
	return string(out), err
}

// buildSystemPrompt assembles the per-send system prompt suffix: the <env>
// block, the <git_status> block, the Mesh identity blocks when the working
// directory has a registered agent with persona enabled, and finally the
// caller-supplied suffix separated by a blank line.
func (m *Manager) buildSystemPrompt(cwd, callerAppend string) string {
	var b strings.Builder

	info := m.envInfo
	hostname := info.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	b.WriteString("<env>\n")
	fmt.Fprintf(&b, "working dir: %s\n", cwd)
	fmt.Fprintf(&b, "product: %s %s\n", info.Product, info.Version)
	fmt.Fprintf(&b, "port: %d\n", info.Port)
	fmt.Fprintf(&b, "platform: %s\n", info.Platform)
	fmt.Fprintf(&b, "os version: %s\n", info.OSVersion)
	fmt.Fprintf(&b, "runtime: %s\n", info.Runtime)
	fmt.Fprintf(&b, "hostname: %s\n", hostname)
	fmt.Fprintf(&b, "utc time: %s\n", time.Now().UTC().Format(time.RFC3339))
	b.WriteString("</env>\n")

	st := m.git(cwd)
	b.WriteString("<git_status>\n")
	if !st.IsRepo {
		b.WriteString("is git repo: false\n")
	} else {
		fmt.Fprintf(&b, "branch: %s\n", st.Branch)
		fmt.Fprintf(&b, "ahead: %d behind: %d\n", st.Ahead, st.Behind)
		fmt.Fprintf(&b, "dirty files: %d\n", st.Dirty)
		fmt.Fprintf(&b, "detached: %v\n", st.Detached)
	}
	b.WriteString("</git_status>\n")

	if m.identity != nil {
		// A manifest read failure is swallowed; the blocks are omitted.
		if identity, persona, ok := m.identity(cwd); ok {
			fmt.Fprintf(&b, "<agent_identity>\n%s\n</agent_identity>\n", identity)
			if persona != "" {
				fmt.Fprintf(&b, "<agent_persona>\n%s\n</agent_persona>\n", persona)
			}
		}
	}

	if callerAppend != "" {
		b.WriteString("\n")
		b.WriteString(callerAppend)
	}
	return b.String()
}
