package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

var (
	ErrInvalidName = errors.New("invalid media name")
	ErrNotFound    = errors.New("media not found")
)

// Store persists media blobs under flat names. The returned reference is
// what gets recorded on the post; it is the name itself for every driver.
type Store interface {
	// Put stores r under name. Storing an existing name is a no-op.
	Put(ctx context.Context, name string, r io.Reader) (ref string, err error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Driver() string
}

// Config selects and configures a media driver.
type Config struct {
	Driver string // "local" (default) or "s3"
	Dir    string
	S3     S3Config
}

type S3Config struct {
	Bucket         string
	Region         string
	Prefix         string
	Endpoint       string
	ForcePathStyle bool
}

func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "media"), logx.String("driver", driver))
	switch driver {
	case "", "local":
		return NewLocal(cfg.Dir, log)
	case "s3":
		return NewS3(cfg.S3, log)
	default:
		return nil, fmt.Errorf("unknown media driver: %s", cfg.Driver)
	}
}

// ValidateName rejects names that could escape the store root.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
