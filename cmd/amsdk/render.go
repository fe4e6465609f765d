package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/blackcoderx/amsdk/pkg/core"
	"github.com/blackcoderx/amsdk/pkg/transport"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Minimal color palette
var (
	dimColor     = lipgloss.Color("#6c6c6c")
	accentColor  = lipgloss.Color("#7aa2f7")
	errorColor   = lipgloss.Color("#f7768e")
	successColor = lipgloss.Color("#9ece6a")
)

var (
	dimStyle     = lipgloss.NewStyle().Foreground(dimColor)
	accentStyle  = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
)

// statusLine summarises a response, e.g. "200 OK  trace 3f2a".
func statusLine(resp *core.Response) string {
	style := successStyle
	if resp.StatusCode >= 400 {
		style = errorStyle
	}
	line := style.Render(fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	if resp.TraceID != "" {
		line += dimStyle.Render("  trace " + resp.TraceID)
	}
	return line
}

// highlightJSON pretty prints input as a highlighted JSON block. Input that is not
// JSON, or a renderer failure, returns the input unchanged.
func highlightJSON(input string, width int) string {
	var js any
	if json.Unmarshal([]byte(input), &js) != nil {
		return input
	}

	var sb strings.Builder
	sb.WriteString("```json\n")
	pretty, err := json.MarshalIndent(js, "", "  ")
	if err == nil {
		sb.Write(pretty)
	} else {
		sb.WriteString(input)
	}
	sb.WriteString("\n```")

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return input
	}
	out, err := renderer.Render(sb.String())
	if err != nil {
		return input
	}
	return strings.TrimSpace(out)
}

func printResponse(w io.Writer, resp *core.Response) {
	fmt.Fprintln(w, statusLine(resp))
	switch {
	case resp.Path != "":
		fmt.Fprintf(w, "saved %s (%d bytes)\n", resp.Path, resp.Size)
	case resp.IsImage():
		fmt.Fprintf(w, "%s, %d bytes\n", resp.ContentType, len(resp.Body))
	case len(resp.Body) > 0:
		fmt.Fprintln(w, highlightJSON(string(resp.Body), 100))
	}
}

// describeError adds the platform trace id and message to HTTP failures.
func describeError(err error) string {
	var statusErr *transport.HTTPStatusError
	if errors.As(err, &statusErr) {
		msg := errorStyle.Render(fmt.Sprintf("%d %s", statusErr.StatusCode, http.StatusText(statusErr.StatusCode)))
		if statusErr.Message != "" {
			msg += " " + statusErr.Message
		}
		if statusErr.TraceID != "" {
			msg += dimStyle.Render("  trace " + statusErr.TraceID)
		}
		return msg
	}
	return errorStyle.Render("error: ") + err.Error()
}

func progressLine(name string, written, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("\r%s %s", accentStyle.Render(name), dimStyle.Render(fmt.Sprintf("%d bytes", written)))
	}
	pct := float64(written) / float64(total) * 100
	return fmt.Sprintf("\r%s %5.1f%% %s", accentStyle.Render(name), pct, dimStyle.Render(fmt.Sprintf("%d/%d bytes", written, total)))
}
