package keysource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// FileProvider reads the key from a file or, when no file is set, from an
// environment variable.
type FileProvider struct {
	keyFile string
	keyEnv  string
	cache   keyCache
}

func NewFileProvider(keyFile, keyEnv string) (*FileProvider, error) {
	if keyFile == "" && keyEnv == "" {
		return nil, errors.New("no key source specified: provide key_file or key_env")
	}
	return &FileProvider{keyFile: keyFile, keyEnv: keyEnv}, nil
}

func (p *FileProvider) Name() string {
	if p.keyFile != "" {
		return "file:" + p.keyFile
	}
	return "env:" + p.keyEnv
}

func (p *FileProvider) GetKey(ctx context.Context) ([]byte, error) {
	return p.cache.get(ctx, func(context.Context) ([]byte, error) {
		if p.keyFile == "" {
			v := os.Getenv(p.keyEnv)
			if v == "" {
				return nil, fmt.Errorf("%w: environment variable %q is empty or not set", ErrKeyNotFound, p.keyEnv)
			}
			return []byte(v), nil
		}
		data, err := os.ReadFile(p.keyFile)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: key file %q does not exist", ErrKeyNotFound, p.keyFile)
		}
		if err != nil {
			return nil, fmt.Errorf("read key file %q: %w", p.keyFile, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return nil, fmt.Errorf("%w: key file %q is empty", ErrKeyNotFound, p.keyFile)
		}
		return []byte(key), nil
	})
}

func (p *FileProvider) Close() error { return nil }
