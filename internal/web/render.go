package web

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html/template"
	"io"
	"net/http"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/errors"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

var digestPage = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 60rem; margin: 2rem auto; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.25rem 0.75rem; text-align: right; }
th:first-child, td:first-child { text-align: left; }
footer { color: #888; font-size: 0.8rem; margin-top: 2rem; }
</style>
</head>
<body>
{{.Body}}
<footer>linkops {{.Version}}</footer>
</body>
</html>
`))

type digestPageData struct {
	Title   string
	Body    template.HTML
	Version string
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderError writes the structured error envelope. Internal details are
// logged, never returned.
func renderError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var lErr *errors.LinkOpsError
	if !stderrors.As(err, &lErr) {
		lErr = errors.NewInternal(err)
	}

	errorObj := map[string]any{
		"code":    string(lErr.Code),
		"message": lErr.Message,
		"status":  lErr.Status,
	}
	if lErr.Code == errors.ErrInternal {
		logger.Error("request failed", zap.Error(err))
		errorObj["message"] = "an internal error occurred"
	} else if lErr.Details != nil {
		errorObj["details"] = lErr.Details
	}
	renderJSON(w, lErr.Status, map[string]any{"error": errorObj})
}

// decodeBody reads a JSON request body into T. An empty body decodes to the
// zero value.
func decodeBody[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil && err != io.EOF {
		return v, errors.NewInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return v, nil
}

// renderMarkdownPage converts markdown to a standalone HTML page.
func renderMarkdownPage(w http.ResponseWriter, title, md, version string) error {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(md), &body); err != nil {
		return errors.NewInternal(err)
	}

	var page bytes.Buffer
	if err := digestPage.Execute(&page, digestPageData{
		Title:   title,
		Body:    template.HTML(body.String()),
		Version: version,
	}); err != nil {
		return errors.NewInternal(err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page.Bytes())
	return nil
}
