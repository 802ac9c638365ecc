package gpu

import "github.com/cockroachdb/errors"

var (
	// ErrConfiguration means a pool could not reserve its backing storage
	ErrConfiguration = errors.New("buffer pool configuration failed")
	// ErrPoolExhausted means a request does not fit in the remaining capacity
	ErrPoolExhausted = errors.New("buffer pool exhausted")
	// ErrUsageMisuse marks programmer errors such as uploading a foreign descriptor
	ErrUsageMisuse = errors.New("buffer pool misuse")
	// ErrInvalidRequest means a call had zero-sized or missing arguments
	ErrInvalidRequest = errors.New("invalid buffer pool request")
	// ErrPoolDestroyed means the pool was already torn down
	ErrPoolDestroyed = errors.New("buffer pool destroyed")
)

// IsExhausted reports whether err signals a full pool
func IsExhausted(err error) bool {
	return errors.Is(err, ErrPoolExhausted)
}

func configErrorf(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
	}
	return errors.Mark(errors.Wrapf(cause, format, args...), ErrConfiguration)
}

func misusef(format string, args ...interface{}) error {
	return errors.Mark(errors.AssertionFailedf(format, args...), ErrUsageMisuse)
}
