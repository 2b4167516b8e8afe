package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sgbilod/docpipe/internal/job"
)

// Parser reads a source document from disk and extracts its text. Formats
// beyond the plain-text family are handed to pluggable extractors; an
// unsupported extension is a permanent failure.
type Parser struct {
	logger *slog.Logger

	// MaxSizeBytes rejects documents larger than this. Zero means no limit.
	MaxSizeBytes int64
}

// NewParser creates a Parser.
func NewParser(logger *slog.Logger, maxSizeBytes int64) *Parser {
	return &Parser{logger: logger, MaxSizeBytes: maxSizeBytes}
}

var textExtensions = map[string]string{
	".txt":      "text",
	".text":     "text",
	".md":       "markdown",
	".markdown": "markdown",
	".rst":      "text",
	".log":      "text",
	".csv":      "csv",
	".json":     "json",
	".html":     "html",
	".htm":      "html",
}

// Parse implements the parse stage contract.
func (p *Parser) Parse(ctx context.Context, in *job.ParseInput) (*job.ParseOutput, error) {
	info, err := os.Stat(in.SourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("source does not exist: %s", in.SourcePath)
		}
		// Stat failures other than absence are usually transient disk or
		// mount conditions.
		return nil, job.Transient(fmt.Errorf("failed to stat source: %w", err))
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source is a directory: %s", in.SourcePath)
	}
	if p.MaxSizeBytes > 0 && info.Size() > p.MaxSizeBytes {
		return nil, fmt.Errorf("source exceeds size limit: %d > %d bytes", info.Size(), p.MaxSizeBytes)
	}

	ext := strings.ToLower(filepath.Ext(in.SourcePath))
	format, ok := textExtensions[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported document format %q", ext)
	}

	if err := ctx.Err(); err != nil {
		return nil, job.Transient(err)
	}

	data, err := os.ReadFile(in.SourcePath)
	if err != nil {
		return nil, job.Transient(fmt.Errorf("failed to read source: %w", err))
	}

	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("source contains no text: %s", in.SourcePath)
	}

	p.logger.Debug("Document parsed",
		slog.String("path", in.SourcePath),
		slog.String("format", format),
		slog.Int("bytes", len(data)),
	)

	return &job.ParseOutput{
		Text: text,
		Metadata: map[string]string{
			"filename":   filepath.Base(in.SourcePath),
			"format":     format,
			"size_bytes": strconv.FormatInt(info.Size(), 10),
			"modified":   info.ModTime().UTC().Format("2006-01-02T15:04:05Z07:00"),
		},
	}, nil
}
