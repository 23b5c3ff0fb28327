// Package uciconfig parses the UCI-style configuration package: a
// sequence of typed, named sections, each a flat set of
// key = value / key = value value value... assignments enclosed in braces
// after the section header. Blank lines are ignored and sections do not
// nest.
//
// No UCI-syntax library exists anywhere in the examined corpus, so this
// is a small hand-rolled recursive-descent scanner over bufio.Scanner
// rather than an adopted dependency — the single deliberate stdlib-only
// component in the configuration layer; see DESIGN.md.
package uciconfig

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// InterfaceConfig is one `interface { ifname = ... }` section.
type InterfaceConfig struct {
	IfName      string
	Promiscuous bool
}

// PluginConfig is one `plugin { libname = ... ; option = value* }` section.
type PluginConfig struct {
	LibName string
	Options map[string][]string
}

// UplinkConfig is the at-most-one `uplink { ... }` section.
type UplinkConfig struct {
	Name     string
	Service  string
	Cert     string
	Login    string
	Password string
}

// Document is the fully parsed configuration package.
type Document struct {
	Interfaces []InterfaceConfig
	Plugins    []PluginConfig
	Uplink     *UplinkConfig
}

// section is one raw `type { key = values... }` block before semantic
// validation.
type section struct {
	typ     string
	entries []entry
}

type entry struct {
	key    string
	values []string
}

// Parse scans r for UCI-style sections and returns the semantically
// validated Document. Unknown section types are reported through warn
// (may be nil) and otherwise ignored. Missing required keys are a hard
// parse error.
func Parse(r io.Reader, warn func(string)) (*Document, error) {
	sections, err := scan(r)
	if err != nil {
		return nil, err
	}

	doc := &Document{}
	for _, s := range sections {
		switch s.typ {
		case "interface":
			ic, err := buildInterface(s)
			if err != nil {
				return nil, err
			}
			doc.Interfaces = append(doc.Interfaces, ic)
		case "plugin":
			pc, err := buildPlugin(s)
			if err != nil {
				return nil, err
			}
			doc.Plugins = append(doc.Plugins, pc)
		case "uplink":
			if doc.Uplink != nil {
				return nil, fmt.Errorf("uciconfig: more than one uplink section")
			}
			uc, err := buildUplink(s)
			if err != nil {
				return nil, err
			}
			doc.Uplink = uc
		default:
			if warn != nil {
				warn(fmt.Sprintf("uciconfig: unknown section type %q ignored", s.typ))
			}
		}
	}
	return doc, nil
}

func buildInterface(s section) (InterfaceConfig, error) {
	ic := InterfaceConfig{}
	found := false
	for _, e := range s.entries {
		switch e.key {
		case "ifname":
			if len(e.values) != 1 {
				return ic, fmt.Errorf("uciconfig: interface.ifname takes exactly one value")
			}
			ic.IfName = e.values[0]
			found = true
		case "promiscuous":
			ic.Promiscuous = len(e.values) == 1 && (e.values[0] == "1" || e.values[0] == "true")
		}
	}
	if !found {
		return ic, fmt.Errorf("uciconfig: interface section missing required key %q", "ifname")
	}
	return ic, nil
}

func buildPlugin(s section) (PluginConfig, error) {
	pc := PluginConfig{Options: make(map[string][]string)}
	found := false
	for _, e := range s.entries {
		if e.key == "libname" {
			if len(e.values) != 1 {
				return pc, fmt.Errorf("uciconfig: plugin.libname takes exactly one value")
			}
			pc.LibName = e.values[0]
			found = true
			continue
		}
		pc.Options[e.key] = append(pc.Options[e.key], e.values...)
	}
	if !found {
		return pc, fmt.Errorf("uciconfig: plugin section missing required key %q", "libname")
	}
	return pc, nil
}

func buildUplink(s section) (*UplinkConfig, error) {
	uc := &UplinkConfig{}
	var haveName, haveService, haveCert bool
	for _, e := range s.entries {
		v := ""
		if len(e.values) > 0 {
			v = e.values[0]
		}
		switch e.key {
		case "name":
			uc.Name, haveName = v, true
		case "service":
			uc.Service, haveService = v, true
		case "cert":
			uc.Cert, haveCert = v, true
		case "login":
			uc.Login = v
		case "password":
			uc.Password = v
		}
	}
	if !haveName || !haveService || !haveCert {
		return nil, fmt.Errorf("uciconfig: uplink section missing one of required keys name/service/cert")
	}
	return uc, nil
}

// scan tokenizes the raw text into sections without semantic validation.
func scan(r io.Reader) ([]section, error) {
	var sections []section
	var cur *section

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasSuffix(line, "{") {
			if cur != nil {
				return nil, fmt.Errorf("uciconfig: line %d: nested section not allowed", lineNo)
			}
			typ := strings.TrimSpace(strings.TrimSuffix(line, "{"))
			if typ == "" {
				return nil, fmt.Errorf("uciconfig: line %d: section missing type", lineNo)
			}
			cur = &section{typ: typ}
			continue
		}
		if line == "}" {
			if cur == nil {
				return nil, fmt.Errorf("uciconfig: line %d: unmatched '}'", lineNo)
			}
			sections = append(sections, *cur)
			cur = nil
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("uciconfig: line %d: assignment outside of any section", lineNo)
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			return nil, fmt.Errorf("uciconfig: line %d: expected 'key = value'", lineNo)
		}
		key := strings.TrimSpace(line[:eq])
		rest := strings.TrimSuffix(strings.TrimSpace(line[eq+1:]), ";")
		var values []string
		for _, tok := range strings.Fields(rest) {
			values = append(values, strings.Trim(tok, `"`))
		}
		cur.entries = append(cur.entries, entry{key: key, values: values})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("uciconfig: scan: %w", err)
	}
	if cur != nil {
		return nil, fmt.Errorf("uciconfig: unterminated section %q", cur.typ)
	}
	return sections, nil
}
