// Package objectstore — хранилище вложений. В разработке файлы лежат на локальном диске в сжатом виде (.gz).
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/teamchat/internal/logger"
)

var (
	ErrBlockedType     = errors.New("file type not allowed")
	ErrContentMismatch = errors.New("file content does not match type")
	ErrTooLarge        = errors.New("file too large")
)

// Исполняемые файлы и скрипты не принимаем, остальное разрешено.
var blockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

// Object — результат сохранения: постоянный URL и ключ в хранилище.
type Object struct {
	Key      string
	URL      string
	FileName string
	Size     int64
	MimeType string
}

// Store принимает поток с метаданными и возвращает URL и ключ.
type Store interface {
	Put(ctx context.Context, fileName, mimeType string, r io.Reader) (Object, error)
}

type LocalDisk struct {
	dir     string
	baseURL string
	maxSize int64
}

// NewLocalDisk: baseURL — префикс для ссылок (например "/files"), maxSize — лимит несжатого файла в байтах.
func NewLocalDisk(dir, baseURL string, maxSize int64) *LocalDisk {
	return &LocalDisk{dir: dir, baseURL: strings.TrimRight(baseURL, "/"), maxSize: maxSize}
}

func (s *LocalDisk) Put(ctx context.Context, fileName, mimeType string, r io.Reader) (Object, error) {
	defer logger.DeferLogDuration("objectstore.Put", time.Now())()

	// Некоторые клиенты кодируют пробел как "+".
	fileName = strings.ReplaceAll(fileName, "+", " ")
	ext := strings.ToLower(filepath.Ext(fileName))
	if blockedExt[ext] {
		return Object{}, ErrBlockedType
	}

	head := make([]byte, 512)
	n, err := io.ReadAtLeast(r, head, len(head))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Object{}, fmt.Errorf("objectstore.Put: read: %w", err)
	}
	head = head[:n]
	if !matchMagic(ext, head) {
		return Object{}, ErrContentMismatch
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Object{}, fmt.Errorf("objectstore.Put: mkdir: %w", err)
	}
	key := uuid.NewString() + ext
	path := filepath.Join(s.dir, key+".gz")
	dst, err := os.Create(path)
	if err != nil {
		return Object{}, fmt.Errorf("objectstore.Put: create: %w", err)
	}

	size, err := s.writeCompressed(ctx, dst, head, r)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return Object{}, err
		}
		return Object{}, fmt.Errorf("objectstore.Put: %w", err)
	}

	if mimeType == "" || mimeType == "application/octet-stream" {
		if ct := contentTypeByExt(ext); ct != "" {
			mimeType = ct
		} else {
			mimeType = "application/octet-stream"
		}
	}
	display := SafeFilename(filepath.Base(fileName))
	if display == "" || display == "." {
		display = key
	}
	return Object{
		Key:      key,
		URL:      s.baseURL + "/" + key + "?name=" + url.QueryEscape(display),
		FileName: display,
		Size:     size,
		MimeType: mimeType,
	}, nil
}

func (s *LocalDisk) writeCompressed(ctx context.Context, dst io.Writer, head []byte, r io.Reader) (int64, error) {
	gz := gzip.NewWriter(dst)
	src := io.MultiReader(bytes.NewReader(head), r)
	if s.maxSize > 0 {
		src = io.LimitReader(src, s.maxSize+1)
	}
	n, err := copyWithContext(ctx, gz, src)
	if err != nil {
		gz.Close()
		return n, err
	}
	if s.maxSize > 0 && n > s.maxSize {
		gz.Close()
		return n, ErrTooLarge
	}
	return n, gz.Close()
}

// Serve отдаёт файл по ключу; ?name= задаёт имя для Content-Disposition.
func (s *LocalDisk) Serve(w http.ResponseWriter, r *http.Request, key string) {
	key = filepath.Base(key)
	f, err := os.Open(filepath.Join(s.dir, key+".gz"))
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	defer gz.Close()

	if ct := contentTypeByExt(filepath.Ext(key)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if name := SafeFilename(strings.ReplaceAll(r.URL.Query().Get("name"), "+", " ")); name != "" {
		disp := "attachment; filename*=UTF-8''" + url.QueryEscape(name)
		// legacy filename= портит кириллицу, добавляем его только для чистого ASCII
		if isPlainASCII(name) {
			disp = `attachment; filename="` + name + `"; ` + disp
		}
		w.Header().Set("Content-Disposition", disp)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, gz); err != nil {
		logger.L().Debug().Err(err).Str("key", key).Msg("objectstore: serve interrupted")
	}
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF})
	case ".png":
		return bytes.HasPrefix(head, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return bytes.HasPrefix(head, []byte("GIF87a")) || bytes.HasPrefix(head, []byte("GIF89a"))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".pdf":
		return bytes.HasPrefix(head, []byte("%PDF-"))
	case ".docx", ".xlsx", ".zip":
		return len(head) >= 4 && head[0] == 'P' && head[1] == 'K' && (head[2] == 3 || head[2] == 5)
	}
	return true
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".zip":
		return "application/zip"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	return ""
}

// SafeFilename убирает из имени управляющие символы, кавычки и разделители пути; UTF-8 сохраняется.
func SafeFilename(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func isPlainASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || r == ' ' {
			return false
		}
	}
	return true
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("upload cancelled: %w", err)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read: %w", readErr)
		}
	}
}
