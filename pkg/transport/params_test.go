package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRequestParams_QueryStringKeepsInsertionOrder(t *testing.T) {
	p := NewRequestParams()
	p.Put("limit", "10").Put("offset", "0")

	assert.Equal(t, "limit=10&offset=0", p.QueryString())
	assert.Equal(t, "limit=10&offset=0&lang=en_US", p.WithLocale("en_US").QueryString())
}

func TestRequestParams_PutReplacesInPlace(t *testing.T) {
	p := NewRequestParams()
	p.Put("a", "1").Put("b", "2").Put("a", "3")

	assert.Equal(t, []string{"a", "b"}, p.Keys())
	assert.Equal(t, "a=3&b=2", p.QueryString())
}

func TestRequestParams_WithLocaleCallerWins(t *testing.T) {
	p := NewRequestParams()
	p.Put("lang", "fr_CA").Put("limit", "5")

	out := p.WithLocale("en_US")
	assert.Equal(t, "lang=fr_CA&limit=5", out.QueryString())
	assert.Equal(t, 2, out.Len(), "no duplicate lang entry")
	assert.Equal(t, 2, p.Len(), "original is not mutated")
}

func TestRequestParams_WithLocaleOnNil(t *testing.T) {
	var p *RequestParams
	assert.Equal(t, "", p.QueryString())
	assert.Equal(t, "lang=en_US", p.WithLocale("en_US").QueryString())
}

func TestRequestParams_PercentEncoding(t *testing.T) {
	p := NewRequestParams()
	p.Put("openedDateRange", "2015-01-01 to 2015-12-31").Put("a&b", "c=d")

	qs := p.QueryString()
	assert.Equal(t, "openedDateRange=2015-01-01+to+2015-12-31&a%26b=c%3Dd", qs)

	parsed, err := url.ParseQuery(qs)
	require.NoError(t, err)
	assert.Equal(t, "2015-01-01 to 2015-12-31", parsed.Get("openedDateRange"))
	assert.Equal(t, "c=d", parsed.Get("a&b"))
}

func TestRequestParams_QueryStringRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := rapid.MapOf(rapid.StringN(1, 12, -1), rapid.String()).Draw(t, "params")
		p := ParamsFromMap(m)

		parsed, err := url.ParseQuery(p.QueryString())
		if err != nil {
			t.Fatalf("query string did not parse: %v", err)
		}
		if len(parsed) != len(m) {
			t.Fatalf("expected %d keys, got %d", len(m), len(parsed))
		}
		for k, v := range m {
			if got := parsed[k]; len(got) != 1 || got[0] != v {
				t.Fatalf("key %q: expected %q, got %q", k, v, got)
			}
		}
	})
}

func TestRequestParams_PutFileMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewRequestParamsFs(fs)

	err := p.PutFile("photo", "/tmp/missing.png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileNotFound)

	var fnf *FileNotFoundError
	require.ErrorAs(t, err, &fnf)
	assert.Equal(t, "/tmp/missing.png", fnf.Path)
	assert.False(t, p.HasFiles())
}

func TestRequestParams_PutFileRejectsDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/tmp/docs", 0755))

	err := NewRequestParamsFs(fs).PutFile("doc", "/tmp/docs")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestRequestParams_JSONBody(t *testing.T) {
	p := NewRequestParams()
	p.Put("name", "Kris").Put("fileInfo", `[{"fileName":"a.png"}]`).Put("note", "[not json")

	body, err := p.JSONBody()
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Kris","fileInfo":[{"fileName":"a.png"}],"note":"[not json"}`, string(body))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
}

func TestRequestParams_JSONBodyEmpty(t *testing.T) {
	var p *RequestParams
	body, err := p.JSONBody()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))
}

func TestRequestParams_MultipartParts(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/docs/site.png", []byte("png-bytes"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/docs/report.pdf", []byte("pdf-bytes"), 0644))

	p := NewRequestParamsFs(fs)
	require.NoError(t, p.PutFile("site.png", "/docs/site.png"))
	p.Put("fileInfo", `[{"fileName":"site.png"}]`)
	require.NoError(t, p.PutFile("report.pdf", "/docs/report.pdf"))

	parts, err := p.MultipartParts()
	require.NoError(t, err)
	require.Len(t, parts, 3)

	assert.Equal(t, "fileInfo", parts[0].FieldName)
	assert.Equal(t, "application/json", parts[0].ContentType)
	assert.Equal(t, "site.png", parts[1].FieldName)
	assert.Equal(t, "image/png", parts[1].ContentType)
	assert.Equal(t, "report.pdf", parts[2].FieldName)
	assert.Equal(t, "application/pdf", parts[2].ContentType)
}

func TestRequestParams_MultipartMetadataCombinesFields(t *testing.T) {
	p := NewRequestParams()
	p.Put("a", "1").Put("b", "2")

	parts, err := p.MultipartParts()
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "metadata", parts[0].FieldName)
	assert.JSONEq(t, `{"a":"1","b":"2"}`, string(parts[0].Content))
}

func TestRequestParams_WriteMultipart(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/docs/site.png", []byte("png-bytes"), 0644))

	p := NewRequestParamsFs(fs)
	p.Put("fileInfo", `[{"fileName":"site.png"}]`)
	require.NoError(t, p.PutFile("site.png", "/docs/site.png"))

	var buf bytes.Buffer
	contentType, err := p.WriteMultipart(&buf)
	require.NoError(t, err)

	_, params, err := mime.ParseMediaType(contentType)
	require.NoError(t, err)
	r := multipart.NewReader(&buf, params["boundary"])

	meta, err := r.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "fileInfo", meta.FormName())
	metaBody, _ := io.ReadAll(meta)
	assert.Equal(t, `[{"fileName":"site.png"}]`, string(metaBody))

	file, err := r.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "site.png", file.FormName())
	assert.Equal(t, "site.png", file.FileName())
	fileBody, _ := io.ReadAll(file)
	assert.Equal(t, "png-bytes", string(fileBody))

	_, err = r.NextPart()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRequestParams_DeleteReindexes(t *testing.T) {
	p := NewRequestParams()
	p.Put("a", "1").Put("b", "2").Put("c", "3")
	p.Delete("a")
	p.Put("b", "20")

	assert.Equal(t, "b=20&c=3", p.QueryString())
	assert.False(t, p.Has("a"))
}
