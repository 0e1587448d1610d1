// Package vault defines the sandboxed document-tree adapter consumed by the
// built-in tools, plus a local filesystem implementation. All operations are
// path-based and relative to the vault root; paths escaping the root are
// rejected.
package vault

import "context"

// Entry describes one item returned by List.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Vault is the file adapter contract. Implementations operate on a sandboxed
// document tree and must reject paths that resolve outside it.
type Vault interface {
	Exists(ctx context.Context, path string) (bool, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Remove(ctx context.Context, path string) error
	Mkdir(ctx context.Context, path string) error
	List(ctx context.Context, path string) ([]Entry, error)
	BasePath() string
}
