package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

// defaultMaxMemory はマルチパート解析時にメモリへ保持する上限。
const defaultMaxMemory = 32 << 20

// ErrNoFiles はマルチパートリクエストにファイルが含まれないことを表す。
var ErrNoFiles = errors.New("no files provided")

// FilePart はマルチパートのファイルパート1件。
type FilePart struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// MultipartBody はバックエンド向けに再構築するマルチパートボディ。
type MultipartBody struct {
	Files  []FilePart
	Fields map[string][]string
}

// AddField はスカラーフィールドを追加する。
func (m *MultipartBody) AddField(name, value string) {
	if m.Fields == nil {
		m.Fields = make(map[string][]string)
	}
	m.Fields[name] = append(m.Fields[name], value)
}

// MultipartFromRequest は受信したマルチパートリクエストから fileFields のファイルと
// すべてのスカラーフィールドを読み出す。ファイルが1件もなければ ErrNoFiles を返す。
func MultipartFromRequest(r *http.Request, fileFields ...string) (*MultipartBody, error) {
	if err := r.ParseMultipartForm(defaultMaxMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, ErrNoFiles
		}
		return nil, fmt.Errorf("マルチパートの解析に失敗: %w", err)
	}

	body := &MultipartBody{Fields: make(map[string][]string)}
	for name, values := range r.MultipartForm.Value {
		body.Fields[name] = append([]string(nil), values...)
	}

	for _, field := range fileFields {
		for _, fh := range r.MultipartForm.File[field] {
			part, err := readFilePart(fh)
			if err != nil {
				return nil, err
			}
			part.Field = strings.TrimSuffix(field, "[]")
			body.Files = append(body.Files, part)
		}
	}
	if len(body.Files) == 0 {
		return nil, ErrNoFiles
	}
	return body, nil
}

func readFilePart(fh *multipart.FileHeader) (FilePart, error) {
	f, err := fh.Open()
	if err != nil {
		return FilePart{}, fmt.Errorf("ファイル %q のオープンに失敗: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return FilePart{}, fmt.Errorf("ファイル %q の読み込みに失敗: %w", fh.Filename, err)
	}
	return FilePart{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// Encode はボディをエンコードし、境界を含むContent-Typeとともに返す。
// ファイルは1件ごとに1パート、スカラーフィールドは名前順に書き出す。
func (m *MultipartBody) Encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range m.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.Filename))
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h.Set("Content-Type", contentType)

		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("ファイルパートの作成に失敗: %w", err)
		}
		if _, err := pw.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("ファイルパートの書き込みに失敗: %w", err)
		}
	}

	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range m.Fields[name] {
			if err := w.WriteField(name, v); err != nil {
				return nil, "", fmt.Errorf("フィールド %q の書き込みに失敗: %w", name, err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("マルチパートの終端に失敗: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
