package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/apierr"
)

// File is one multipart upload.
type File struct {
	Field       string // form field name, "file" when empty
	Name        string
	ContentType string // application/octet-stream when empty
	Content     []byte
	Fields      map[string]string // extra form values
}

// progress reports whole percentages that never go down, even when a retry
// starts sending the body again from zero.
type progress struct {
	fn func(percent int)

	mu   sync.Mutex
	last int
}

func newProgress(fn func(int)) *progress {
	return &progress{fn: fn, last: -1}
}

func (p *progress) report(sent, total int64) {
	pct := 100
	if total > 0 {
		pct = int(sent * 100 / total)
	}
	p.mu.Lock()
	if pct <= p.last {
		p.mu.Unlock()
		return
	}
	p.last = pct
	p.mu.Unlock()
	p.fn(pct)
}

func (p *progress) reader(r io.Reader, total int64) io.Reader {
	p.report(0, total)
	return &countingReader{r: r, total: total, p: p}
}

type countingReader struct {
	r     io.Reader
	sent  int64
	total int64
	p     *progress
}

func (cr *countingReader) Read(b []byte) (int, error) {
	n, err := cr.r.Read(b)
	if n > 0 {
		cr.sent += int64(n)
		cr.p.report(cr.sent, cr.total)
	}
	return n, err
}

// Upload posts f as multipart/form-data. onProgress, if set, receives
// percentages 0 to 100 in non-decreasing order.
func Upload[T any](ctx context.Context, c *Client, path string, f File, onProgress func(percent int)) (*Envelope[T], error) {
	body, contentType, err := encodeMultipart(f)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "encode upload", err)
	}
	r := &Request{
		Method:      http.MethodPost,
		Path:        path,
		rawBody:     body,
		contentType: contentType,
	}
	if onProgress != nil {
		r.progress = newProgress(onProgress)
	}
	raw, err := c.sendRaw(ctx, r)
	if err != nil {
		return nil, err
	}
	if r.progress != nil {
		r.progress.report(1, 1)
	}
	return decodeEnvelope[T](raw)
}

func encodeMultipart(f File) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range f.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	field := f.Field
	if field == "" {
		field = "file"
	}
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     field,
		"filename": filepath.Base(f.Name),
	}))
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(f.Content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// DownloadBlob fetches path and returns the body without interpreting it.
func (c *Client) DownloadBlob(ctx context.Context, path string) (*Envelope[Blob], error) {
	resp, err := c.execute(ctx, &Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return nil, err
	}
	blob := Blob{
		Data:        resp.body,
		ContentType: resp.header.Get("Content-Type"),
	}
	if cd := resp.header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			blob.Filename = params["filename"]
		}
	}
	return &Envelope[Blob]{Success: true, Data: blob}, nil
}

// Download saves the body of path to filename. An empty filename uses the
// name the server suggests, or the last path segment. It returns the path
// written.
func (c *Client) Download(ctx context.Context, path, filename string) (string, error) {
	env, err := c.DownloadBlob(ctx, path)
	if err != nil {
		return "", err
	}
	if filename == "" {
		filename = filepath.Base(env.Data.Filename)
	}
	if filename == "" || filename == "." || filename == "/" {
		filename = filepath.Base(path)
	}
	if err := os.WriteFile(filename, env.Data.Data, 0644); err != nil {
		return "", apierr.Wrap(apierr.KindValidation, fmt.Sprintf("save %s", filename), err)
	}
	c.log.Debug("downloaded", "path", path, "file", filename, "bytes", len(env.Data.Data))
	return filename, nil
}
