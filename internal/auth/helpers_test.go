package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSSMParam = "/formhub-edge/users/sha256"
	testBucket   = "test-users"
	testPrefix   = "users"
)

// fakeSSM returns a fixed parameter value.
type fakeSSM struct {
	mu    sync.Mutex
	value string
	err   error
	calls int
}

func (f *fakeSSM) set(v string, err error) {
	f.mu.Lock()
	f.value, f.err = v, err
	f.mu.Unlock()
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{Name: in.Name, Value: aws.String(f.value)},
	}, nil
}

// fakeS3 serves objects from a map keyed by object key.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    []string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) put(key string, b []byte) {
	f.mu.Lock()
	f.objects[key] = b
	f.mu.Unlock()
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.gets = append(f.gets, key)
	b, ok := f.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey: " + key)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

// fakeVerifier accepts only the signature "good".
type fakeVerifier struct {
	calls int
}

func (v *fakeVerifier) VerifySignature(_ context.Context, _, sig []byte) error {
	v.calls++
	if string(sig) != "good" {
		return errors.New("bad signature")
	}
	return nil
}

// usersFile builds a users file with MinCost hashes, passwords are "<name>-pw".
func usersFile(t *testing.T, names ...string) []byte {
	t.Helper()
	var b strings.Builder
	b.WriteString("# test users\n")
	for _, n := range names {
		h, err := bcrypt.GenerateFromPassword([]byte(n+"-pw"), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("bcrypt: %v", err)
		}
		fmt.Fprintf(&b, "%s:%s\n", n, h)
	}
	return []byte(b.String())
}

func newTestS3Loader(t *testing.T, ssmc *fakeSSM, s3c *fakeS3, v SignatureVerifier) *S3Loader {
	t.Helper()
	l, err := NewS3Loader(S3LoaderOptions{
		SSMParam:  testSSMParam,
		Bucket:    testBucket,
		Prefix:    testPrefix,
		SSMClient: ssmc,
		S3Client:  s3c,
		Verifier:  v,
	})
	if err != nil {
		t.Fatalf("NewS3Loader: %v", err)
	}
	return l
}
