package httpmw

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

// DiagOutputOptions sizes the rotating file used when reports go to a path.
type DiagOutputOptions struct {
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// OpenDiagOutput resolves a report target: "stderr" (or ""), "stdout", or a
// file path, which is rotated once it reaches MaxSizeMB. The returned close
// is never nil.
func OpenDiagOutput(target string, opts DiagOutputOptions) (io.Writer, func() error, error) {
	switch target {
	case "", "stderr":
		return os.Stderr, func() error { return nil }, nil
	case "stdout":
		return os.Stdout, func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return nil, nil, xerrors.Wrapf(err, "diag output dir for %s", target)
	}
	// surface permission errors at startup
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "diag output %s", target)
	}
	_ = f.Close()

	rot := &lumberjack.Logger{
		Filename:   target,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   opts.Compress,
	}
	return rot, rot.Close, nil
}
