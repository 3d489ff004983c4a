package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/formhub-edge/internal/log"
	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

// maxUsersObjectBytes caps how much of a credentials object we read.
const maxUsersObjectBytes = 4 << 20

// Loader fetches credentials. CurrentHash is cheap and is polled by the
// Watcher; LoadHash does the full fetch and verification.
type Loader interface {
	CurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Snapshot, error)
}

// LoadError tags a failure with the stage that produced it.
type LoadError struct {
	Stage string // "pointer", "fetch", "checksum", "signature", "parse"
	Err   error
}

func (e *LoadError) Error() string { return "auth load " + e.Stage + ": " + e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

// Load fetches whatever the loader currently points at.
func Load(ctx context.Context, l Loader) (*Snapshot, error) {
	hash, err := l.CurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

// FileLoader reads credentials from a local file. Its hash is the sha256 of
// the file contents, so edits are picked up by the Watcher.
type FileLoader struct {
	Path string
}

func (f *FileLoader) read() ([]byte, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, &LoadError{Stage: "fetch", Err: xerrors.Wrapf(err, "read %s", f.Path)}
	}
	return b, nil
}

func (f *FileLoader) CurrentHash(context.Context) (string, error) {
	b, err := f.read()
	if err != nil {
		return "", err
	}
	return sha256Hex(b), nil
}

// LoadHash reads the file as it is now. The file may have changed since
// CurrentHash, so the snapshot carries the hash of what was actually parsed.
func (f *FileLoader) LoadHash(context.Context, string) (*Snapshot, error) {
	b, err := f.read()
	if err != nil {
		return nil, err
	}
	users, err := ParseUsers(bytes.NewReader(b))
	if err != nil {
		return nil, &LoadError{Stage: "parse", Err: err}
	}
	return &Snapshot{Users: users, SHA256: sha256Hex(b), Source: SourceFile, LoadedAt: time.Now().UTC()}, nil
}

type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3LoaderOptions struct {
	Logger log.Logger

	// SSM parameter holding the sha256 of the active credentials object
	SSMParam string

	// objects live at s3://{Bucket}/{Prefix}/{sha256}.users
	Bucket string
	Prefix string

	SSMClient ssmAPI
	S3Client  s3API

	// Verifier, when set, requires s3://{Bucket}/{Prefix}/{sha256}.users.sig
	Verifier SignatureVerifier
}

// S3Loader fetches credentials published to S3 and pinned by an SSM parameter.
type S3Loader struct {
	opts   S3LoaderOptions
	logger log.Logger
}

func NewS3Loader(opts S3LoaderOptions) (*S3Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("Bucket is required")
	}
	if opts.SSMClient == nil || opts.S3Client == nil {
		return nil, xerrors.New("SSM and S3 clients are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &S3Loader{opts: opts, logger: opts.Logger}, nil
}

func (l *S3Loader) CurrentHash(ctx context.Context) (string, error) {
	out, err := l.opts.SSMClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", &LoadError{Stage: "pointer", Err: xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)}
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", &LoadError{Stage: "pointer", Err: xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)}
	}
	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if len(hash) != 64 {
		return "", &LoadError{Stage: "pointer", Err: xerrors.Newf("SSM parameter %s is not a sha256 (%q)", l.opts.SSMParam, hash)}
	}
	return hash, nil
}

func (l *S3Loader) key(hash string) string {
	if l.opts.Prefix != "" {
		return fmt.Sprintf("%s/%s.users", strings.TrimSuffix(l.opts.Prefix, "/"), hash)
	}
	return hash + ".users"
}

func (l *S3Loader) get(ctx context.Context, key string) ([]byte, error) {
	out, err := l.opts.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.Bucket, key)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, maxUsersObjectBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", l.opts.Bucket, key)
	}
	if len(b) > maxUsersObjectBytes {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", l.opts.Bucket, key, maxUsersObjectBytes)
	}
	return b, nil
}

func (l *S3Loader) LoadHash(ctx context.Context, hash string) (*Snapshot, error) {
	key := l.key(hash)
	l.logger.Info(ctx, "downloading credentials", "bucket", l.opts.Bucket, "key", key)

	body, err := l.get(ctx, key)
	if err != nil {
		return nil, &LoadError{Stage: "fetch", Err: err}
	}

	if actual := sha256Hex(body); !hashEqual(actual, hash) {
		return nil, &LoadError{Stage: "checksum", Err: xerrors.Newf("checksum mismatch: expected %s, got %s", hash, actual)}
	}

	if l.opts.Verifier != nil {
		sig, err := l.get(ctx, key+".sig")
		if err != nil {
			return nil, &LoadError{Stage: "signature", Err: err}
		}
		if err := l.opts.Verifier.VerifySignature(ctx, body, sig); err != nil {
			return nil, &LoadError{Stage: "signature", Err: err}
		}
	}

	users, err := ParseUsers(bytes.NewReader(body))
	if err != nil {
		return nil, &LoadError{Stage: "parse", Err: err}
	}

	l.logger.Info(ctx, "loaded credentials", "sha256", hash, "users", len(users), "signed", l.opts.Verifier != nil)
	return &Snapshot{Users: users, SHA256: hash, Source: SourceS3, LoadedAt: time.Now().UTC()}, nil
}
