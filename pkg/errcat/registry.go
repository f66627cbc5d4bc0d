// Package errcat implements the code-based error catalog and the structured
// error type raised throughout the service. The catalog is loaded once at
// startup and validated strictly: the process refuses to start with a broken
// registry.
package errcat

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// codePattern is the shape every error code must satisfy:
// domain prefix, component tag, three-digit ordinal.
var codePattern = regexp.MustCompile(`^[A-Z]+-[A-Z]{2,6}-\d{3}$`)

// Severity levels a catalog entry may declare.
const (
	SeverityDebug    = "DEBUG"
	SeverityInfo     = "INFO"
	SeverityWarn     = "WARN"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

var validSeverities = map[string]bool{
	SeverityDebug:    true,
	SeverityInfo:     true,
	SeverityWarn:     true,
	SeverityError:    true,
	SeverityCritical: true,
}

var (
	// ErrUnknownCode indicates a lookup for a code absent from the registry
	ErrUnknownCode = errors.New("unknown error code")

	// ErrCatalogInvalid indicates the catalog document failed validation
	ErrCatalogInvalid = errors.New("error catalog validation failed")
)

// Entry is a single immutable catalog entry.
type Entry struct {
	Code               string   `yaml:"code" json:"code"`
	Domain             string   `yaml:"domain" json:"domain"`
	Title              string   `yaml:"title" json:"title"`
	Severity           string   `yaml:"severity" json:"severity"`
	Retryable          bool     `yaml:"retryable" json:"retryable"`
	UserActionRequired bool     `yaml:"user_action_required" json:"user_action_required"`
	HTTPStatus         int      `yaml:"http_status" json:"http_status"`
	SafeMessage        string   `yaml:"safe_message" json:"safe_message"`
	Remediation        []string `yaml:"remediation" json:"remediation"`
	DetailTemplate     string   `yaml:"detail_template,omitempty" json:"detail_template,omitempty"`
	Tags               []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Deprecated         bool     `yaml:"deprecated,omitempty" json:"deprecated,omitempty"`
	ReplacedBy         string   `yaml:"replaced_by,omitempty" json:"replaced_by,omitempty"`
	DocsURL            string   `yaml:"docs_url,omitempty" json:"docs_url,omitempty"`
}

// catalogDocument is the on-disk catalog shape.
type catalogDocument struct {
	SchemaVersion int     `yaml:"schema_version"`
	Errors        []Entry `yaml:"errors"`
}

// Registry holds the loaded catalog. Safe for concurrent reads; Load replaces
// the whole entry set atomically.
type Registry struct {
	mu            sync.RWMutex
	entries       map[string]Entry
	schemaVersion int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Load parses and validates a catalog document, replacing any earlier
// entries. On any validation failure nothing is replaced and the error
// describes the offending entry.
func (r *Registry) Load(source []byte) error {
	var doc catalogDocument
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrCatalogInvalid, err)
	}

	entries := make(map[string]Entry, len(doc.Errors))
	for i, e := range doc.Errors {
		if !codePattern.MatchString(e.Code) {
			return fmt.Errorf("%w: entry %d: code %q does not match pattern", ErrCatalogInvalid, i, e.Code)
		}
		if component := codeComponent(e.Code); e.Domain != component {
			return fmt.Errorf("%w: entry %q: domain %q does not match code component %q",
				ErrCatalogInvalid, e.Code, e.Domain, component)
		}
		if !validSeverities[e.Severity] {
			return fmt.Errorf("%w: entry %q: invalid severity %q", ErrCatalogInvalid, e.Code, e.Severity)
		}
		if e.HTTPStatus < 100 || e.HTTPStatus > 599 {
			return fmt.Errorf("%w: entry %q: http_status %d out of range", ErrCatalogInvalid, e.Code, e.HTTPStatus)
		}
		if _, dup := entries[e.Code]; dup {
			return fmt.Errorf("%w: duplicate code %q", ErrCatalogInvalid, e.Code)
		}
		entries[e.Code] = e
	}

	r.mu.Lock()
	r.entries = entries
	r.schemaVersion = doc.SchemaVersion
	r.mu.Unlock()
	return nil
}

// Get returns the entry for code, or false when absent.
func (r *Registry) Get(code string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[code]
	return e, ok
}

// Lookup returns the entry for code, failing with ErrUnknownCode when absent.
func (r *Registry) Lookup(code string) (Entry, error) {
	if e, ok := r.Get(code); ok {
		return e, nil
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrUnknownCode, code)
}

// AllCodes returns every registered code, sorted.
func (r *Registry) AllCodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.entries))
	for code := range r.entries {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// CodesForDomain returns the codes whose component tag equals domain, sorted.
func (r *Registry) CodesForDomain(domain string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var codes []string
	for code, e := range r.entries {
		if e.Domain == domain {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

// SchemaVersion returns the schema version of the loaded catalog.
func (r *Registry) SchemaVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemaVersion
}

// Dump returns all entries sorted by code. Used by the diagnostics
// collectors; entries carry no runtime detail, only catalog metadata.
func (r *Registry) Dump() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Code < entries[j].Code })
	return entries
}

// codeComponent extracts the middle segment of a well-formed code.
func codeComponent(code string) string {
	parts := strings.Split(code, "-")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

// ComponentOf returns the lowercased component tag of a code, or "" when the
// code is malformed. Used to derive issue-tracker components.
func ComponentOf(code string) string {
	return strings.ToLower(codeComponent(code))
}
