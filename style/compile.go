// Package style turns declarative override rules into stylesheet text that
// a rendering surface injects after the document's own styles.
package style

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/gorilla/css/scanner"
	"go.uber.org/zap"
)

// Rule is a single override: a selector and its property declarations.
// Property names may be written in camel case (backgroundColor); they are
// emitted in hyphenated CSS form.
type Rule struct {
	Selector     string            `json:"selector" yaml:"selector"`
	Declarations map[string]string `json:"declarations" yaml:"declarations"`
}

// Compiler compiles rule lists. The zero value is usable and logs nowhere.
type Compiler struct {
	log *zap.Logger
}

// NewCompiler returns a Compiler that reports compile failures to log.
func NewCompiler(log *zap.Logger) *Compiler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compiler{log: log}
}

// Compile renders rules as stylesheet text, one block per rule in input
// order, every declaration marked !important. Declarations inside a block are
// sorted by property name so equal input always yields equal output.
//
// Compile never fails: if any rule is malformed the failure is logged and
// the empty string is returned.
func (c *Compiler) Compile(rules []Rule) (css string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger().Warn("style compile panicked", zap.Any("panic", r))
			css = ""
		}
	}()

	var b strings.Builder
	for i, rule := range rules {
		if err := writeRule(&b, rule); err != nil {
			c.logger().Warn("style compile failed",
				zap.Int("rule", i),
				zap.String("selector", rule.Selector),
				zap.Error(err))
			return ""
		}
	}
	return b.String()
}

func (c *Compiler) logger() *zap.Logger {
	if c == nil || c.log == nil {
		return zap.NewNop()
	}
	return c.log
}

// Compile compiles rules with a non-logging compiler.
func Compile(rules []Rule) string {
	var c Compiler
	return c.Compile(rules)
}

func writeRule(b *strings.Builder, rule Rule) error {
	selector := strings.TrimSpace(rule.Selector)
	if err := checkFragment(selector); err != nil {
		return fmt.Errorf("selector %q: %w", rule.Selector, err)
	}

	props := make([]string, 0, len(rule.Declarations))
	for name := range rule.Declarations {
		props = append(props, name)
	}
	sort.Strings(props)

	b.WriteString(selector)
	b.WriteString(" {\n")
	for _, name := range props {
		prop := Hyphenate(strings.TrimSpace(name))
		if err := checkFragment(prop); err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
		value := strings.TrimSpace(rule.Declarations[name])
		if value == "" {
			return fmt.Errorf("property %q: empty value", name)
		}
		if err := checkValue(value); err != nil {
			return fmt.Errorf("property %q value %q: %w", name, value, err)
		}
		fmt.Fprintf(b, "  %s: %s !important;\n", prop, value)
	}
	b.WriteString("}\n")
	return nil
}

// Hyphenate converts a camel-case property name to CSS syntax:
// backgroundColor becomes background-color, WebkitUserSelect becomes
// -webkit-user-select. Names already in CSS syntax are returned unchanged.
func Hyphenate(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	for _, r := range name {
		if unicode.IsUpper(r) {
			b.WriteByte('-')
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// checkFragment rejects text that is empty or that would close or open a
// block, or end the style element, when spliced into the stylesheet.
func checkFragment(s string) error {
	if s == "" {
		return fmt.Errorf("empty")
	}
	return scan(s)
}

// checkValue allows anything the CSS scanner accepts as long as it stays
// inside the declaration.
func checkValue(s string) error {
	return scan(s)
}

func scan(s string) error {
	sc := scanner.New(s)
	for {
		tok := sc.Next()
		switch tok.Type {
		case scanner.TokenEOF:
			return nil
		case scanner.TokenError:
			return fmt.Errorf("bad token at column %d: %q", tok.Column, tok.Value)
		case scanner.TokenCDO, scanner.TokenCDC:
			return fmt.Errorf("unexpected %q at column %d", tok.Value, tok.Column)
		case scanner.TokenChar:
			switch tok.Value {
			case "{", "}", ";":
				return fmt.Errorf("unexpected %q at column %d", tok.Value, tok.Column)
			}
		}
		// The text ends up inside a <style> element, where "<" could
		// close it. No selector or value needs one, not even in a string.
		if strings.ContainsRune(tok.Value, '<') {
			return fmt.Errorf("unexpected \"<\" at column %d", tok.Column)
		}
	}
}
