package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// LangParam is the query parameter carrying the caller's locale.
const LangParam = "lang"

// FileRef is a file-valued request parameter.
type FileRef struct {
	Path        string
	ContentType string
}

type param struct {
	key   string
	value string
	file  *FileRef
}

// RequestParams holds URL query parameters, body fields and file attachments.
// Keys are unique; re-putting a key replaces its value in place so the original
// insertion position is kept.
type RequestParams struct {
	fs      afero.Fs
	entries []param
	index   map[string]int
}

// NewRequestParams creates an empty parameter set backed by the OS filesystem.
func NewRequestParams() *RequestParams {
	return NewRequestParamsFs(afero.NewOsFs())
}

// NewRequestParamsFs creates an empty parameter set whose file references resolve on fs.
func NewRequestParamsFs(fs afero.Fs) *RequestParams {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &RequestParams{fs: fs, index: make(map[string]int)}
}

// ParamsFromMap builds a parameter set from m. Map iteration order is random, so keys
// are inserted in sorted order.
func ParamsFromMap(m map[string]string) *RequestParams {
	p := NewRequestParams()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.Put(k, m[k])
	}
	return p
}

// Fs returns the filesystem file references resolve against.
func (p *RequestParams) Fs() afero.Fs {
	if p == nil || p.fs == nil {
		return afero.NewOsFs()
	}
	return p.fs
}

// Put sets a string value.
func (p *RequestParams) Put(key, value string) *RequestParams {
	p.set(param{key: key, value: value})
	return p
}

// PutFile attaches the file at path under key. It fails with a FileNotFoundError when
// the path does not resolve to an existing regular file.
func (p *RequestParams) PutFile(key, path string) error {
	return p.PutFileWithType(key, path, "")
}

// PutFileWithType is PutFile with an explicit content type. An empty contentType is
// inferred from the file extension.
func (p *RequestParams) PutFileWithType(key, path, contentType string) error {
	info, err := p.Fs().Stat(path)
	if err != nil || info.IsDir() {
		return &FileNotFoundError{Path: path}
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	p.set(param{key: key, file: &FileRef{Path: path, ContentType: contentType}})
	return nil
}

func (p *RequestParams) set(e param) {
	if p.index == nil {
		p.index = make(map[string]int)
	}
	if i, ok := p.index[e.key]; ok {
		p.entries[i] = e
		return
	}
	p.index[e.key] = len(p.entries)
	p.entries = append(p.entries, e)
}

// Get returns the string value stored under key.
func (p *RequestParams) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	i, ok := p.index[key]
	if !ok || p.entries[i].file != nil {
		return "", false
	}
	return p.entries[i].value, true
}

// File returns the file reference stored under key.
func (p *RequestParams) File(key string) (FileRef, bool) {
	if p == nil {
		return FileRef{}, false
	}
	i, ok := p.index[key]
	if !ok || p.entries[i].file == nil {
		return FileRef{}, false
	}
	return *p.entries[i].file, true
}

// Has reports whether key is present, string or file valued.
func (p *RequestParams) Has(key string) bool {
	if p == nil {
		return false
	}
	_, ok := p.index[key]
	return ok
}

// Delete removes key.
func (p *RequestParams) Delete(key string) {
	if p == nil {
		return
	}
	i, ok := p.index[key]
	if !ok {
		return
	}
	p.entries = append(p.entries[:i], p.entries[i+1:]...)
	delete(p.index, key)
	for j := i; j < len(p.entries); j++ {
		p.index[p.entries[j].key] = j
	}
}

// Keys returns the keys in insertion order.
func (p *RequestParams) Keys() []string {
	if p == nil {
		return nil
	}
	keys := make([]string, len(p.entries))
	for i, e := range p.entries {
		keys[i] = e.key
	}
	return keys
}

// Len returns the number of entries.
func (p *RequestParams) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// HasFiles reports whether any entry is file valued.
func (p *RequestParams) HasFiles() bool {
	if p == nil {
		return false
	}
	for _, e := range p.entries {
		if e.file != nil {
			return true
		}
	}
	return false
}

// CheckFiles re-validates every file reference against the filesystem. Files can
// disappear between Put and send.
func (p *RequestParams) CheckFiles() error {
	if p == nil {
		return nil
	}
	for _, e := range p.entries {
		if e.file == nil {
			continue
		}
		info, err := p.Fs().Stat(e.file.Path)
		if err != nil || info.IsDir() {
			return &FileNotFoundError{Path: e.file.Path}
		}
	}
	return nil
}

// Fields returns the string-valued entries as a map.
func (p *RequestParams) Fields() map[string]string {
	out := make(map[string]string)
	if p == nil {
		return out
	}
	for _, e := range p.entries {
		if e.file == nil {
			out[e.key] = e.value
		}
	}
	return out
}

// Clone returns an independent copy. Cloning nil yields an empty set.
func (p *RequestParams) Clone() *RequestParams {
	if p == nil {
		return NewRequestParams()
	}
	c := NewRequestParamsFs(p.fs)
	for _, e := range p.entries {
		if e.file != nil {
			f := *e.file
			e.file = &f
		}
		c.set(e)
	}
	return c
}

// WithLocale returns a copy with lang appended unless the caller already supplied one.
func (p *RequestParams) WithLocale(lang string) *RequestParams {
	c := p.Clone()
	if lang != "" && !c.Has(LangParam) {
		c.Put(LangParam, lang)
	}
	return c
}

// QueryString serializes the string entries as k1=v1&k2=v2 in insertion order.
func (p *RequestParams) QueryString() string {
	if p == nil {
		return ""
	}
	var sb strings.Builder
	for _, e := range p.entries {
		if e.file != nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(e.key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(e.value))
	}
	return sb.String()
}

// FormBody serializes the string entries as an x-www-form-urlencoded body.
func (p *RequestParams) FormBody() string {
	return p.QueryString()
}

// JSONBody serializes the string entries as a JSON object in insertion order. A value
// that is itself a JSON object or array is embedded as is.
func (p *RequestParams) JSONBody() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	if p != nil {
		for _, e := range p.entries {
			if e.file != nil {
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false

			k, err := json.Marshal(e.key)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal key %q: %w", e.key, err)
			}
			buf.Write(k)
			buf.WriteByte(':')
			if isJSONContainer(e.value) {
				buf.WriteString(strings.TrimSpace(e.value))
				continue
			}
			v, err := json.Marshal(e.value)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal value of %q: %w", e.key, err)
			}
			buf.Write(v)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func isJSONContainer(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return false
	}
	return json.Valid([]byte(s))
}

// Part is one section of a multipart body.
type Part struct {
	FieldName   string
	FileName    string
	ContentType string
	// Content is set for the metadata part, Path for file parts.
	Content []byte
	Path    string
}

// MultipartParts returns the metadata part (when string fields exist) followed by one
// part per file in insertion order.
func (p *RequestParams) MultipartParts() ([]Part, error) {
	if p == nil {
		return nil, nil
	}
	var parts []Part

	var fields []param
	for _, e := range p.entries {
		if e.file == nil {
			fields = append(fields, e)
		}
	}
	switch {
	case len(fields) == 1:
		ct := "text/plain; charset=utf-8"
		if isJSONContainer(fields[0].value) {
			ct = "application/json"
		}
		parts = append(parts, Part{FieldName: fields[0].key, ContentType: ct, Content: []byte(fields[0].value)})
	case len(fields) > 1:
		body, err := p.JSONBody()
		if err != nil {
			return nil, err
		}
		parts = append(parts, Part{FieldName: "metadata", ContentType: "application/json", Content: body})
	}

	for _, e := range p.entries {
		if e.file == nil {
			continue
		}
		parts = append(parts, Part{
			FieldName:   e.key,
			FileName:    filepath.Base(e.file.Path),
			ContentType: e.file.ContentType,
			Path:        e.file.Path,
		})
	}
	return parts, nil
}

// WriteMultipart writes the multipart body to w and returns its content type.
func (p *RequestParams) WriteMultipart(w io.Writer) (string, error) {
	mw := multipart.NewWriter(w)
	return mw.FormDataContentType(), p.writeMultipart(mw)
}

// MultipartBody returns a reader streaming the multipart body and its content type.
// File parts are copied from the filesystem as the reader is consumed.
func (p *RequestParams) MultipartBody() (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(p.writeMultipart(mw))
	}()
	return pr, mw.FormDataContentType()
}

func (p *RequestParams) writeMultipart(mw *multipart.Writer) error {
	parts, err := p.MultipartParts()
	if err != nil {
		return err
	}
	for _, part := range parts {
		if err := writePart(p.Fs(), mw, part); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to close multipart body: %w", err)
	}
	return nil
}

func writePart(fs afero.Fs, mw *multipart.Writer, part Part) error {
	h := make(textproto.MIMEHeader)
	if part.FileName != "" {
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(part.FieldName), escapeQuotes(part.FileName)))
	} else {
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, escapeQuotes(part.FieldName)))
	}
	h.Set("Content-Type", part.ContentType)

	pw, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create part %q: %w", part.FieldName, err)
	}
	if part.Path == "" {
		_, err = pw.Write(part.Content)
		return err
	}

	f, err := fs.Open(part.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileNotFoundError{Path: part.Path}
		}
		return fmt.Errorf("failed to open %s: %w", part.Path, err)
	}
	defer f.Close()
	if _, err := io.Copy(pw, f); err != nil {
		return fmt.Errorf("failed to stream %s: %w", part.Path, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
