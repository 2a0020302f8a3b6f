package guest

import (
	"fmt"
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// Instrumented is the result of preparing a chunk for line hooks.
//
// gopher-lua exposes no debug.sethook, so line events are produced by
// rewriting the chunk: every line that starts a statement gets a call to
// the hook function injected in front of it. The rewrite never inserts
// or removes newlines, so reported line numbers stay identical to the
// original source.
type Instrumented struct {
	// Source is the chunk text to load; the original text when Hooked is
	// false.
	Source string
	// Lines holds the numbers of lines that received a hook call. Only
	// these lines can produce line events; breakpoint placement is
	// verified against this set.
	Lines map[int]bool
	// Hooked is false when the rewritten chunk did not survive a
	// re-parse and instrumentation was abandoned for this chunk.
	Hooked bool
}

// Instrument parses src and injects hook calls at statement lines.
// A syntax error in src is returned as-is; failures of the rewrite
// itself degrade to an uninstrumented chunk instead of an error.
func Instrument(src, name, hookFn string) (*Instrumented, error) {
	stmts, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return nil, err
	}
	lines := make(map[int]bool)
	collectStmtLines(stmts, lines)

	text := strings.Split(src, "\n")
	hooked := make(map[int]bool)
	var b strings.Builder
	b.Grow(len(src) + 16*len(lines))
	for i, ln := range text {
		if i > 0 {
			b.WriteByte('\n')
		}
		no := i + 1
		pos, ok := injectionPoint(ln)
		if !lines[no] || !ok {
			b.WriteString(ln)
			continue
		}
		b.WriteString(ln[:pos])
		if pos > 0 {
			// After a keyword; keep the tokens apart.
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s(%d);", hookFn, no)
		b.WriteString(ln[pos:])
		hooked[no] = true
	}
	rewritten := b.String()

	// A line that begins with an expression continuation can defeat the
	// lexical check above; re-parse and fall back rather than load a
	// corrupted chunk.
	if _, err := parse.Parse(strings.NewReader(rewritten), name); err != nil {
		return &Instrumented{Source: src, Lines: hooked, Hooked: false}, nil
	}
	return &Instrumented{Source: rewritten, Lines: hooked, Hooked: true}, nil
}

func collectStmtLines(stmts []ast.Stmt, lines map[int]bool) {
	for _, st := range stmts {
		lines[st.Line()] = true
		switch st := st.(type) {
		case *ast.AssignStmt:
			collectExprLines(st.Lhs, lines)
			collectExprLines(st.Rhs, lines)
		case *ast.LocalAssignStmt:
			collectExprLines(st.Exprs, lines)
		case *ast.FuncCallStmt:
			collectExprLines([]ast.Expr{st.Expr}, lines)
		case *ast.DoBlockStmt:
			collectStmtLines(st.Stmts, lines)
		case *ast.WhileStmt:
			collectExprLines([]ast.Expr{st.Condition}, lines)
			collectStmtLines(st.Stmts, lines)
		case *ast.RepeatStmt:
			collectStmtLines(st.Stmts, lines)
			collectExprLines([]ast.Expr{st.Condition}, lines)
		case *ast.IfStmt:
			collectExprLines([]ast.Expr{st.Condition}, lines)
			collectStmtLines(st.Then, lines)
			collectStmtLines(st.Else, lines)
		case *ast.NumberForStmt:
			collectExprLines([]ast.Expr{st.Init, st.Limit}, lines)
			if st.Step != nil {
				collectExprLines([]ast.Expr{st.Step}, lines)
			}
			collectStmtLines(st.Stmts, lines)
		case *ast.GenericForStmt:
			collectExprLines(st.Exprs, lines)
			collectStmtLines(st.Stmts, lines)
		case *ast.FuncDefStmt:
			collectStmtLines(st.Func.Stmts, lines)
		case *ast.ReturnStmt:
			collectExprLines(st.Exprs, lines)
		}
	}
}

func collectExprLines(exprs []ast.Expr, lines map[int]bool) {
	for _, ex := range exprs {
		if ex == nil {
			continue
		}
		switch ex := ex.(type) {
		case *ast.FunctionExpr:
			collectStmtLines(ex.Stmts, lines)
		case *ast.AttrGetExpr:
			collectExprLines([]ast.Expr{ex.Object, ex.Key}, lines)
		case *ast.TableExpr:
			for _, f := range ex.Fields {
				if f.Key != nil {
					collectExprLines([]ast.Expr{f.Key}, lines)
				}
				collectExprLines([]ast.Expr{f.Value}, lines)
			}
		case *ast.FuncCallExpr:
			if ex.Func != nil {
				collectExprLines([]ast.Expr{ex.Func}, lines)
			}
			if ex.Receiver != nil {
				collectExprLines([]ast.Expr{ex.Receiver}, lines)
			}
			collectExprLines(ex.Args, lines)
		case *ast.LogicalOpExpr:
			collectExprLines([]ast.Expr{ex.Lhs, ex.Rhs}, lines)
		case *ast.RelationalOpExpr:
			collectExprLines([]ast.Expr{ex.Lhs, ex.Rhs}, lines)
		case *ast.StringConcatOpExpr:
			collectExprLines([]ast.Expr{ex.Lhs, ex.Rhs}, lines)
		case *ast.ArithmeticOpExpr:
			collectExprLines([]ast.Expr{ex.Lhs, ex.Rhs}, lines)
		case *ast.UnaryMinusOpExpr:
			collectExprLines([]ast.Expr{ex.Expr}, lines)
		case *ast.UnaryNotOpExpr:
			collectExprLines([]ast.Expr{ex.Expr}, lines)
		case *ast.UnaryLenOpExpr:
			collectExprLines([]ast.Expr{ex.Expr}, lines)
		}
	}
}

// injectionPoint returns the byte offset in line at which a hook call can
// be inserted, and whether one can be inserted at all.
//
// Most statement lines take the call at offset zero, in front of the
// statement. Loop headers are the exception: a call in front of the
// keyword would run once on loop entry, so the call moves past the `do`
// (or past `repeat`) into the loop body, where it runs once per
// iteration. Lines opening with a block-closing keyword or an operator
// are continuations of a construct started on an earlier line; injecting
// there would split the construct.
func injectionPoint(line string) (int, bool) {
	s := strings.TrimLeft(line, " \t")
	if s == "" {
		return 0, false
	}
	indent := len(line) - len(s)
	c := s[0]
	if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
		return 0, false
	}
	word := leadingWord(s)
	switch word {
	case "while", "for":
		// Header and `do` must share the line; a header spanning lines
		// cannot be hooked.
		end := findDoToken(s)
		if end < 0 {
			return 0, false
		}
		return indent + end, true
	case "repeat", "do":
		return indent + len(word), true
	case "else", "elseif", "end", "until", "then", "in", "and", "or", "not":
		return 0, false
	}
	return 0, true
}

func leadingWord(s string) string {
	for i := 0; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return s[:i]
		}
	}
	return s
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// findDoToken scans for the first `do` keyword outside string literals
// and comments, returning the offset just past it, or -1. A long-string
// opener makes the scan give up; those rarely share a line with a loop
// header and skipping one safely would need the full lexer.
func findDoToken(s string) int {
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\'' || c == '"':
			i = skipQuoted(s, i)
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			return -1
		case c == '[' && i+1 < len(s) && (s[i+1] == '[' || s[i+1] == '='):
			return -1
		case isIdentChar(c):
			j := i
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			if s[i:j] == "do" {
				return j
			}
			i = j
		default:
			i++
		}
	}
	return -1
}

func skipQuoted(s string, i int) int {
	q := s[i]
	for i++; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case q:
			return i + 1
		}
	}
	return len(s)
}
