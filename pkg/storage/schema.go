package storage

// SavedCall is an API call stored as YAML under .amsdk/requests. Values may contain
// {{VAR}} placeholders resolved from an environment.
type SavedCall struct {
	Name    string            `yaml:"name"`
	Method  string            `yaml:"method"`
	Path    string            `yaml:"path"` // relative to the API host, or an absolute URL
	Headers map[string]string `yaml:"headers,omitempty"`
	Query   map[string]string `yaml:"query,omitempty"`
	Body    any               `yaml:"body,omitempty"` // mapping of fields; nested values are sent as JSON
	// Attachments maps multipart field names to local files. A call with attachments
	// is sent as a multipart upload.
	Attachments map[string]string `yaml:"attachments,omitempty"`
	// Download, when set, streams the response to this local path.
	Download string `yaml:"download,omitempty"`
	// Batch names a group; "amsdk batch --group" commits every call of the group at once.
	Batch string `yaml:"batch,omitempty"`
}

// Environment is a named set of substitution variables.
type Environment struct {
	Name      string            `yaml:"name"`
	Variables map[string]string `yaml:",inline"`
}
