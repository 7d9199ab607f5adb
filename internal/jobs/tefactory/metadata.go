// Package tefactory builds runnable test executables from test scripts.
//
// A script arrives as a single UTF-8 document whose leading comment block
// may carry an XML metadata section: a description, the session parameter
// signature, and the declared test case groups. The factory extracts that
// metadata, resolves the script's dependencies against the repository,
// renders the executable main module from a template and stages the whole
// tree into a self-contained package ready to be moved under the archives.
package tefactory

import (
	"encoding/xml"
	"fmt"
	"strings"
)

const (
	metadataBegin = "__METADATA__BEGIN__"
	metadataEnd   = "__METADATA__END__"
)

// DefaultAPI is the language API assumed when the metadata names none.
const DefaultAPI = "1"

// Parameter is one session parameter declared in a script signature.
type Parameter struct {
	Name        string
	Type        string
	Default     string
	Description string
}

// Metadata is the structured content of a script's metadata block.
type Metadata struct {
	Description   string
	Prerequisites string
	API           string
	Parameters    map[string]Parameter
	Groups        map[string]string // group name -> description
}

// DefaultSession returns the default value of every declared parameter.
func (m *Metadata) DefaultSession() map[string]interface{} {
	session := make(map[string]interface{}, len(m.Parameters))
	for name, p := range m.Parameters {
		session[name] = p.Default
	}
	return session
}

// GroupNames returns the declared test case groups, unordered.
func (m *Metadata) GroupNames() []string {
	names := make([]string, 0, len(m.Groups))
	for name := range m.Groups {
		names = append(names, name)
	}
	return names
}

// toMap renders the metadata for template substitution (${metadata_json}).
func (m *Metadata) toMap() map[string]interface{} {
	parameters := make(map[string]interface{}, len(m.Parameters))
	for name, p := range m.Parameters {
		parameters[name] = map[string]interface{}{
			"name":         p.Name,
			"type":         p.Type,
			"defaultValue": p.Default,
		}
	}
	groups := make(map[string]interface{}, len(m.Groups))
	for name, description := range m.Groups {
		groups[name] = map[string]interface{}{"name": name, "description": description}
	}
	return map[string]interface{}{
		"description": m.Description,
		"api":         m.API,
		"parameters":  parameters,
		"groups":      groups,
	}
}

// ExtractMetadata returns the raw XML embedded in the leading comment
// block of a document, delimited by __METADATA__BEGIN__/__METADATA__END__
// markers. The block must start on the first line and be one contiguous
// run of comments; ok is false when no complete block is present.
func ExtractMetadata(document, commentPrefix string) (string, bool) {
	lines := strings.Split(document, "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], commentPrefix+" "+metadataBegin) {
		return "", false
	}
	var collected []string
	complete := false
	for _, line := range lines[1:] {
		if strings.HasPrefix(line, commentPrefix+" "+metadataEnd) {
			complete = true
			break
		}
		if !strings.HasPrefix(line, commentPrefix) {
			break
		}
		collected = append(collected, strings.TrimSpace(strings.TrimPrefix(line, commentPrefix)))
	}
	if !complete {
		return "", false
	}
	return strings.Join(collected, "\n"), true
}

type xmlMetadata struct {
	XMLName       xml.Name       `xml:"metadata"`
	Description   string         `xml:"description"`
	Prerequisites string         `xml:"prerequisites"`
	API           string         `xml:"api"`
	Parameters    []xmlParameter `xml:"parameters>parameter"`
	Groups        []xmlGroup     `xml:"groups>group"`
}

type xmlParameter struct {
	Name        string `xml:"name,attr"`
	Type        string `xml:"type,attr"`
	Default     string `xml:"default,attr"`
	Description string `xml:",chardata"`
}

type xmlGroup struct {
	Name        string `xml:"name,attr"`
	Description string `xml:",chardata"`
}

// ParseMetadata parses the XML metadata extracted from a script.
func ParseMetadata(raw string) (*Metadata, error) {
	var parsed xmlMetadata
	if err := xml.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	meta := &Metadata{
		Description:   strings.TrimSpace(parsed.Description),
		Prerequisites: strings.TrimSpace(parsed.Prerequisites),
		API:           strings.TrimSpace(parsed.API),
		Parameters:    make(map[string]Parameter),
		Groups:        make(map[string]string),
	}
	if meta.API == "" {
		meta.API = DefaultAPI
	}
	for _, p := range parsed.Parameters {
		if p.Name == "" {
			continue
		}
		if p.Type == "" {
			p.Type = "string"
		}
		meta.Parameters[p.Name] = Parameter{
			Name:        p.Name,
			Type:        p.Type,
			Default:     p.Default,
			Description: strings.TrimSpace(p.Description),
		}
	}
	for _, g := range parsed.Groups {
		if g.Name == "" {
			continue
		}
		meta.Groups[g.Name] = strings.TrimSpace(g.Description)
	}
	return meta, nil
}

// ParseScriptMetadata extracts and parses the metadata block of a script
// source. A script without any metadata block is valid and yields an
// empty signature on the default API.
func ParseScriptMetadata(source, commentPrefix string) (*Metadata, error) {
	raw, ok := ExtractMetadata(source, commentPrefix)
	if !ok {
		return &Metadata{
			API:        DefaultAPI,
			Parameters: make(map[string]Parameter),
			Groups:     make(map[string]string),
		}, nil
	}
	return ParseMetadata(raw)
}
