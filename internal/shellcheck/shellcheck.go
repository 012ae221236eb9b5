// Package shellcheck inspects shell snippets embedded in LLM-bound text.
// Prompt injections frequently carry a payload the model is asked to run:
// fenced code blocks, one-liners after "run:", command substitutions. The
// checker extracts those snippets, parses them into an AST with
// mvdan.cc/sh, and flags constructs regex alone gets wrong: pipe targets,
// normalized flags, destructive path arguments.
package shellcheck

import (
	"fmt"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/promptwall/promptwall/internal/rules"
)

// segment is one simple command inside a parsed snippet.
type segment struct {
	executable string
	flags      map[string]string
	args       []string
}

// parsedSnippet is the flattened AST of one extracted snippet.
type parsedSnippet struct {
	segments  []segment
	operators []string // between adjacent segments: "|", "&&", "||", ";"
}

// Checker extracts and analyzes shell snippets from free text.
type Checker struct {
	parser *syntax.Parser
}

// New creates a shell snippet checker.
func New() *Checker {
	return &Checker{
		parser: syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash)),
	}
}

var fencedBlock = regexp.MustCompile("(?s)```(?:sh|bash|shell|zsh)?\\n(.*?)```")

// commandish lines outside code fences: start with a known risky executable.
var inlineCommand = regexp.MustCompile(`(?m)^\s*(?:\$ )?((?:sudo\s+)?(?:rm|curl|wget|dd|chmod|bash|sh|mkfs|nc|ncat)\b[^\n]*)$`)

// Scan extracts shell snippets from text and returns detections for
// dangerous constructs. Text with no extractable snippets yields nil.
func (c *Checker) Scan(text string) []rules.Detection {
	var detections []rules.Detection
	seen := map[string]bool{}
	for _, snippet := range extractSnippets(text) {
		parsed := c.parse(snippet)
		if parsed == nil {
			continue
		}
		for _, d := range analyze(parsed, snippet) {
			if seen[d.RuleID] {
				continue
			}
			seen[d.RuleID] = true
			detections = append(detections, d)
		}
	}
	return detections
}

func extractSnippets(text string) []string {
	var snippets []string
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		if body := strings.TrimSpace(m[1]); body != "" {
			snippets = append(snippets, body)
		}
	}
	stripped := fencedBlock.ReplaceAllString(text, "")
	for _, m := range inlineCommand.FindAllStringSubmatch(stripped, -1) {
		snippets = append(snippets, strings.TrimSpace(m[1]))
	}
	return snippets
}

func (c *Checker) parse(snippet string) *parsedSnippet {
	file, err := c.parser.Parse(strings.NewReader(snippet), "")
	if err != nil {
		return nil
	}
	ps := &parsedSnippet{}
	for i, stmt := range file.Stmts {
		if i > 0 {
			ps.operators = append(ps.operators, ";")
		}
		walkStmt(ps, stmt)
	}
	if len(ps.segments) == 0 {
		return nil
	}
	return ps
}

func walkStmt(ps *parsedSnippet, stmt *syntax.Stmt) {
	if stmt.Cmd == nil {
		return
	}
	switch cmd := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		ps.segments = append(ps.segments, callToSegment(cmd))
	case *syntax.BinaryCmd:
		walkStmt(ps, cmd.X)
		ps.operators = append(ps.operators, binaryOp(cmd.Op))
		walkStmt(ps, cmd.Y)
	case *syntax.Subshell:
		for _, s := range cmd.Stmts {
			walkStmt(ps, s)
		}
	}
}

func callToSegment(call *syntax.CallExpr) segment {
	seg := segment{flags: map[string]string{}}
	words := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		words = append(words, wordString(w))
	}
	if len(words) == 0 {
		return seg
	}
	seg.executable = words[0]
	rest := words[1:]

	// sudo is transparent for analysis purposes.
	if seg.executable == "sudo" {
		for len(rest) > 0 && strings.HasPrefix(rest[0], "-") {
			rest = rest[1:]
		}
		if len(rest) > 0 {
			seg.executable = rest[0]
			rest = rest[1:]
		}
	}

	for _, w := range rest {
		switch {
		case strings.HasPrefix(w, "--") && len(w) > 2:
			flag := w[2:]
			if eq := strings.Index(flag, "="); eq >= 0 {
				seg.flags[flag[:eq]] = flag[eq+1:]
			} else {
				seg.flags[flag] = ""
			}
		case strings.HasPrefix(w, "-") && len(w) > 1:
			for _, ch := range w[1:] {
				seg.flags[string(ch)] = ""
			}
		default:
			seg.args = append(seg.args, w)
		}
	}
	return seg
}

func wordString(w *syntax.Word) string {
	var sb strings.Builder
	syntax.NewPrinter().Print(&sb, w)
	return strings.Trim(sb.String(), `'"`)
}

func binaryOp(op syntax.BinCmdOperator) string {
	switch op {
	case syntax.Pipe:
		return "|"
	case syntax.AndStmt:
		return "&&"
	case syntax.OrStmt:
		return "||"
	}
	return op.String()
}

func analyze(ps *parsedSnippet, raw string) []rules.Detection {
	var out []rules.Detection
	out = append(out, checkDestructiveRm(ps, raw)...)
	out = append(out, checkPipeToInterpreter(ps, raw)...)
	out = append(out, checkDiskOverwrite(ps, raw)...)
	out = append(out, checkReverseShell(ps, raw)...)
	return out
}

func checkDestructiveRm(ps *parsedSnippet, raw string) []rules.Detection {
	var out []rules.Detection
	for _, seg := range ps.segments {
		if seg.executable != "rm" {
			continue
		}
		recursive := hasFlag(seg.flags, "r", "R", "recursive")
		force := hasFlag(seg.flags, "f", "force")
		if !recursive || !force {
			continue
		}
		for _, arg := range seg.args {
			if isRootOrSystemPath(arg) {
				out = append(out, detection("shell-rm-destructive", rules.SeverityCritical, 0.95, raw,
					fmt.Sprintf("rm with recursive+force flags targeting %s", arg)))
			}
		}
	}
	return out
}

func checkPipeToInterpreter(ps *parsedSnippet, raw string) []rules.Detection {
	var out []rules.Detection
	for i := 0; i+1 < len(ps.segments); i++ {
		if i >= len(ps.operators) || ps.operators[i] != "|" {
			continue
		}
		left := ps.segments[i]
		right := ps.segments[i+1]
		if isDownloader(left.executable) && isInterpreter(right.executable) {
			out = append(out, detection("shell-pipe-to-interpreter", rules.SeverityCritical, 0.95, raw,
				fmt.Sprintf("download (%s) piped to interpreter (%s)", left.executable, right.executable)))
		}
	}
	return out
}

func checkDiskOverwrite(ps *parsedSnippet, raw string) []rules.Detection {
	var out []rules.Detection
	for _, seg := range ps.segments {
		if seg.executable != "dd" {
			continue
		}
		for _, arg := range seg.args {
			if strings.HasPrefix(arg, "of=/dev/") {
				out = append(out, detection("shell-disk-overwrite", rules.SeverityCritical, 0.90, raw,
					fmt.Sprintf("dd writing to device %s", strings.TrimPrefix(arg, "of="))))
			}
		}
	}
	return out
}

func checkReverseShell(ps *parsedSnippet, raw string) []rules.Detection {
	var out []rules.Detection
	for _, seg := range ps.segments {
		if seg.executable != "nc" && seg.executable != "ncat" {
			continue
		}
		if hasFlag(seg.flags, "e") || hasFlag(seg.flags, "exec") {
			out = append(out, detection("shell-reverse-shell", rules.SeverityCritical, 0.90, raw,
				"netcat with -e spawns a remote shell"))
		}
	}
	return out
}

func detection(ruleID string, sev rules.Severity, conf float64, raw, reason string) rules.Detection {
	return rules.Detection{
		RuleID:     ruleID,
		Severity:   sev,
		Confidence: conf,
		Layer:      rules.LayerShell,
		Category:   "embedded_shell_payload",
		Matches: []rules.Match{{
			MatchedText: raw,
			End:         len(raw),
			Groups:      []string{reason},
		}},
	}
}

func hasFlag(flags map[string]string, keys ...string) bool {
	for _, k := range keys {
		if _, ok := flags[k]; ok {
			return true
		}
	}
	return false
}

var systemDirs = map[string]bool{
	"/etc": true, "/usr": true, "/var": true, "/boot": true, "/sys": true,
	"/proc": true, "/lib": true, "/sbin": true, "/bin": true, "/opt": true,
	"/home": true, "/root": true,
}

func isRootOrSystemPath(path string) bool {
	cleaned := strings.TrimRight(path, "/*")
	if cleaned == "" {
		return true
	}
	return systemDirs[cleaned]
}

func isDownloader(exe string) bool {
	switch exe {
	case "curl", "wget", "fetch", "aria2c":
		return true
	}
	return false
}

var interpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
	"python": true, "python3": true, "node": true, "ruby": true, "perl": true,
}

func isInterpreter(exe string) bool {
	return interpreters[exe]
}
