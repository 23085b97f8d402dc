// Package builder implements the manifest builder handed to preparation
// scripts: field reads, header lookup, placeholder substitution and
// compilation back into a manifest.
package builder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
	"github.com/Mindburn-Labs/webproof/pkg/template"
)

var (
	// ErrMissingRequest is returned by New when the manifest has no request.
	ErrMissingRequest = errors.New("manifest has no request")
	// ErrMissingResponse is returned by New when the manifest has no response.
	ErrMissingResponse = errors.New("manifest has no response")
	// ErrFieldNotReadable is returned by Get for fields that must be read
	// through Header.
	ErrFieldNotReadable = errors.New("field is not readable, use getHeader")
)

// Failure records a Set call that left its section unchanged.
type Failure struct {
	Section string `json:"section"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// ManifestBuilder wraps the request and response sections of one manifest.
// It is not safe for concurrent use.
type ManifestBuilder struct {
	meta      map[string]json.RawMessage
	request   *RequestBuilder
	response  *ResponseBuilder
	debugLogs []string
	failures  []Failure
}

// New builds a ManifestBuilder from a serialized manifest. A nested
// request.extra.extra is discarded.
func New(raw []byte) (*ManifestBuilder, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("builder: decode manifest: %w", err)
	}

	reqRaw, ok := top["request"]
	if !ok || isNull(reqRaw) {
		return nil, ErrMissingRequest
	}
	respRaw, ok := top["response"]
	if !ok || isNull(respRaw) {
		return nil, ErrMissingResponse
	}

	b := &ManifestBuilder{meta: make(map[string]json.RawMessage, len(top))}
	for k, v := range top {
		switch k {
		case "request", "response":
		case "debugLogs":
			if !isNull(v) {
				if err := json.Unmarshal(v, &b.debugLogs); err != nil {
					return nil, fmt.Errorf("builder: decode debugLogs: %w", err)
				}
			}
		default:
			b.meta[k] = v
		}
	}

	req, err := newRequestBuilder(b, reqRaw)
	if err != nil {
		return nil, err
	}
	resp, err := newSection(b, "response", respRaw)
	if err != nil {
		return nil, err
	}
	b.request = req
	b.response = &ResponseBuilder{section: resp}
	return b, nil
}

// FromManifest builds a ManifestBuilder from a parsed manifest.
func FromManifest(m *manifest.ManifestFile) (*ManifestBuilder, error) {
	raw, err := manifest.Serialize(m)
	if err != nil {
		return nil, err
	}
	return New(raw)
}

// Request returns the request section builder.
func (b *ManifestBuilder) Request() *RequestBuilder { return b.request }

// Response returns the response section builder.
func (b *ManifestBuilder) Response() *ResponseBuilder { return b.response }

// AppendDebugLog records a diagnostic line carried in the compiled manifest.
func (b *ManifestBuilder) AppendDebugLog(line string) {
	b.debugLogs = append(b.debugLogs, line)
}

// DebugLogs returns a copy of the debug log.
func (b *ManifestBuilder) DebugLogs() []string {
	out := make([]string, len(b.debugLogs))
	copy(out, b.debugLogs)
	return out
}

// SubstitutionFailures returns every Set call that did not apply.
func (b *ManifestBuilder) SubstitutionFailures() []Failure {
	out := make([]Failure, len(b.failures))
	copy(out, b.failures)
	return out
}

func (b *ManifestBuilder) recordFailure(section, name string, err error) {
	f := Failure{Section: section, Name: name, Message: err.Error(), Err: err}
	b.failures = append(b.failures, f)
	b.debugLogs = append(b.debugLogs, fmt.Sprintf("%s.set(%q) failed: %v", section, name, err))
}

// CompileJSON serializes the current state: metadata, compiled request,
// compiled response and debug logs.
func (b *ManifestBuilder) CompileJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(b.meta)+3)
	for k, v := range b.meta {
		out[k] = v
	}
	req, err := b.request.Compile()
	if err != nil {
		return nil, err
	}
	out["request"] = req
	out["response"] = b.response.Compile()
	if len(b.debugLogs) > 0 {
		logs, err := manifest.Marshal(b.debugLogs)
		if err != nil {
			return nil, err
		}
		out["debugLogs"] = logs
	}
	return manifest.Marshal(out)
}

// Compile serializes and re-parses the current state into a manifest.
func (b *ManifestBuilder) Compile() (*manifest.ManifestFile, error) {
	raw, err := b.CompileJSON()
	if err != nil {
		return nil, err
	}
	return manifest.Parse(raw)
}

// Unresolved lists the placeholder names still present in m.
func Unresolved(m *manifest.ManifestFile) ([]string, error) {
	raw, err := manifest.Serialize(m)
	if err != nil {
		return nil, err
	}
	return template.Placeholders(raw), nil
}

// section is the shared state behind request and response builders.
type section struct {
	owner *ManifestBuilder
	name  string
	raw   []byte
	vars  map[string]manifest.Vars
}

func newSection(owner *ManifestBuilder, name string, raw []byte) (section, error) {
	s := section{owner: owner, name: name, raw: raw}
	var decl struct {
		Vars map[string]manifest.Vars `json:"vars"`
	}
	if err := json.Unmarshal(raw, &decl); err != nil {
		return section{}, fmt.Errorf("builder: decode %s: %w", name, err)
	}
	s.vars = decl.Vars
	return s, nil
}

func (s *section) fields() (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(s.raw, &m); err != nil {
		return nil, fmt.Errorf("builder: decode %s: %w", s.name, err)
	}
	return m, nil
}

// Get returns a field verbatim. Headers and vars are not readable this way.
// An absent field is an undefined Value.
func (s *section) Get(field string) (manifest.Value, error) {
	if field == "headers" || field == "vars" {
		return manifest.Value{}, fmt.Errorf("%s.get(%q): %w", s.name, field, ErrFieldNotReadable)
	}
	m, err := s.fields()
	if err != nil {
		return manifest.Value{}, err
	}
	raw, ok := m[field]
	if !ok {
		return manifest.Value{}, nil
	}
	var v manifest.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return manifest.Value{}, fmt.Errorf("builder: decode %s.%s: %w", s.name, field, err)
	}
	return v, nil
}

// Header returns one header value. An exact key match wins over a
// case-insensitive one.
func (s *section) Header(name string) (string, bool) {
	var hdrs struct {
		Headers map[string]string `json:"headers"`
	}
	if err := json.Unmarshal(s.raw, &hdrs); err != nil {
		return "", false
	}
	return lookupHeader(hdrs.Headers, name)
}

func lookupHeader(h map[string]string, name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, name) {
			return h[k], true
		}
	}
	return "", false
}

func (s *section) checkVar(name, value string) error {
	want := template.NormalizeName(name)
	for declared, vars := range s.vars {
		if strings.EqualFold(template.NormalizeName(declared), want) {
			return vars.Check(declared, value)
		}
	}
	return nil
}

// Raw returns the current serialized section.
func (s *section) Raw() []byte {
	out := make([]byte, len(s.raw))
	copy(out, s.raw)
	return out
}

// ResponseBuilder edits the response section.
type ResponseBuilder struct {
	section
}

// Set substitutes name with value. Failures are recorded on the owning
// ManifestBuilder and leave the section unchanged.
func (r *ResponseBuilder) Set(name, value string) *ResponseBuilder {
	if err := r.checkVar(name, value); err != nil {
		r.owner.recordFailure(r.name, name, err)
		return r
	}
	out, err := template.Substitute(r.raw, name, value)
	if err != nil {
		r.owner.recordFailure(r.name, name, err)
		return r
	}
	r.raw = out
	return r
}

// Compile returns the current response object.
func (r *ResponseBuilder) Compile() json.RawMessage {
	return json.RawMessage(r.Raw())
}

// RequestBuilder edits the request section and its extra.
type RequestBuilder struct {
	section
	extra *section
}

func newRequestBuilder(owner *ManifestBuilder, raw []byte) (*RequestBuilder, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("builder: decode request: %w", err)
	}

	var extra *section
	if extraRaw, ok := fields["extra"]; ok {
		delete(fields, "extra")
		if !isNull(extraRaw) {
			var extraFields map[string]json.RawMessage
			if err := json.Unmarshal(extraRaw, &extraFields); err != nil {
				return nil, fmt.Errorf("builder: decode request.extra: %w", err)
			}
			delete(extraFields, "extra")
			flat, err := manifest.Marshal(extraFields)
			if err != nil {
				return nil, err
			}
			s, err := newSection(owner, "request.extra", flat)
			if err != nil {
				return nil, err
			}
			extra = &s
		}
	}

	flat, err := manifest.Marshal(fields)
	if err != nil {
		return nil, err
	}
	s, err := newSection(owner, "request", flat)
	if err != nil {
		return nil, err
	}
	return &RequestBuilder{section: s, extra: extra}, nil
}

// Set substitutes name with value in the request and in its extra. Either
// both apply or neither does. Constraints declared in either vars apply.
func (r *RequestBuilder) Set(name, value string) *RequestBuilder {
	if err := r.checkVar(name, value); err != nil {
		r.owner.recordFailure(r.name, name, err)
		return r
	}
	if r.extra != nil {
		if err := r.extra.checkVar(name, value); err != nil {
			r.owner.recordFailure(r.extra.name, name, err)
			return r
		}
	}
	out, err := template.Substitute(r.raw, name, value)
	if err != nil {
		r.owner.recordFailure(r.name, name, err)
		return r
	}
	var extraOut []byte
	if r.extra != nil {
		extraOut, err = template.Substitute(r.extra.raw, name, value)
		if err != nil {
			r.owner.recordFailure(r.extra.name, name, err)
			return r
		}
	}
	r.raw = out
	if r.extra != nil {
		r.extra.raw = extraOut
	}
	return r
}

// Get reads a request field. "extra" yields the current extra object.
func (r *RequestBuilder) Get(field string) (manifest.Value, error) {
	if field != "extra" {
		return r.section.Get(field)
	}
	if r.extra == nil {
		return manifest.Value{}, nil
	}
	var v manifest.Value
	if err := json.Unmarshal(r.extra.raw, &v); err != nil {
		return manifest.Value{}, fmt.Errorf("builder: decode request.extra: %w", err)
	}
	return v, nil
}

// ExtraHeader reads a header of request.extra.
func (r *RequestBuilder) ExtraHeader(name string) (string, bool) {
	if r.extra == nil {
		return "", false
	}
	return r.extra.Header(name)
}

// Compile returns the request with its compiled extra attached one level deep.
func (r *RequestBuilder) Compile() (json.RawMessage, error) {
	if r.extra == nil {
		return json.RawMessage(r.Raw()), nil
	}
	fields, err := r.fields()
	if err != nil {
		return nil, err
	}
	fields["extra"] = json.RawMessage(r.extra.Raw())
	out, err := manifest.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
