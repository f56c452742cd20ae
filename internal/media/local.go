package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore keeps media objects in a directory tree. Objects are served by
// the gateway under /media/<ref>.
type LocalStore struct {
	root string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates the bucket directories under root.
func NewLocalStore(root string) (*LocalStore, error) {
	for _, b := range Buckets {
		if err := os.MkdirAll(filepath.Join(root, b), 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	return &LocalStore{root: root}, nil
}

// Root returns the directory the store writes into.
func (s *LocalStore) Root() string { return s.root }

// Path returns the filesystem path of ref.
func (s *LocalStore) Path(ref string) (string, error) {
	bucket, name, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(name)), nil
}

func (s *LocalStore) Put(_ context.Context, bucket, name string, r io.Reader, _ int64, _ string) (string, error) {
	ref := Ref(bucket, name)
	p, err := s.Path(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write media file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write media file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store media file: %w", err)
	}
	return ref, nil
}

func (s *LocalStore) Get(_ context.Context, ref string, w io.Writer) error {
	p, err := s.Path(ref)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (s *LocalStore) URL(_ context.Context, ref string) (string, error) {
	if _, _, err := ParseRef(ref); err != nil {
		return "", err
	}
	return "/media/" + ref, nil
}
