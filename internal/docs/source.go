package docs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDocumentNotFound is returned when a document ID has no stored text.
var ErrDocumentNotFound = errors.New("document not found")

// Document is one uploaded plain-text document.
type Document struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Text     string `json:"-"`
}

// Source loads document text by ID for the pipeline and registers
// uploads from the web layer.
type Source interface {
	Load(ctx context.Context, id string) (Document, error)
	Save(ctx context.Context, filename string, content []byte) (string, error)
}

// DirSource stores documents as flat files under a root directory: the
// text in <id>.txt and upload metadata in <id>.meta.json.
type DirSource struct {
	root   string
	logger *zap.Logger
}

type documentMeta struct {
	Filename string `json:"filename"`
}

// NewDirSource creates the root directory if needed.
func NewDirSource(root string, logger *zap.Logger) (*DirSource, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create document directory: %w", err)
	}
	return &DirSource{root: root, logger: logger}, nil
}

// Save registers an uploaded document and returns its generated ID.
func (s *DirSource) Save(_ context.Context, filename string, content []byte) (string, error) {
	id := uuid.New().String()

	if err := os.WriteFile(s.textPath(id), content, 0o644); err != nil {
		return "", fmt.Errorf("failed to write document: %w", err)
	}

	meta, err := json.Marshal(documentMeta{Filename: filename})
	if err != nil {
		return "", fmt.Errorf("failed to marshal document metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(id), meta, 0o644); err != nil {
		return "", fmt.Errorf("failed to write document metadata: %w", err)
	}

	s.logger.Debug("Document registered",
		zap.String("document_id", id),
		zap.String("filename", filename),
		zap.Int("bytes", len(content)),
	)

	return id, nil
}

// Load reads a registered document's text and metadata.
func (s *DirSource) Load(_ context.Context, id string) (Document, error) {
	text, err := os.ReadFile(s.textPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
		}
		return Document{}, fmt.Errorf("failed to read document: %w", err)
	}

	doc := Document{ID: id, Text: string(text)}

	metaBytes, err := os.ReadFile(s.metaPath(id))
	if err == nil {
		var meta documentMeta
		if err := json.Unmarshal(metaBytes, &meta); err == nil {
			doc.Filename = meta.Filename
		}
	}

	return doc, nil
}

func (s *DirSource) textPath(id string) string {
	return filepath.Join(s.root, id+".txt")
}

func (s *DirSource) metaPath(id string) string {
	return filepath.Join(s.root, id+".meta.json")
}
