package ssmparam

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	value *string
	err   error
	calls int
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if !aws.ToBool(in.WithDecryption) {
		return nil, errors.New("decryption not requested")
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: f.value}}, nil
}

func TestGet(t *testing.T) {
	f := &fakeSSM{value: aws.String("  postgres://db/exports \n")}
	r := &Reader{client: f}
	v, err := r.Get(context.Background(), "/govexport/dsn")
	if err != nil {
		t.Fatal(err)
	}
	if v != "postgres://db/exports" {
		t.Fatalf("value = %q", v)
	}
}

func TestGet_EmptyAndMissing(t *testing.T) {
	for _, f := range []*fakeSSM{
		{value: aws.String("   ")},
		{value: nil},
		{err: errors.New("AccessDenied")},
	} {
		r := &Reader{client: f}
		if _, err := r.Get(context.Background(), "/p"); err == nil {
			t.Errorf("expected error for %+v", f)
		}
	}
}

func TestResolve_LiteralWins(t *testing.T) {
	f := &fakeSSM{value: aws.String("from-ssm")}
	r := &Reader{client: f}

	v, err := r.Resolve(context.Background(), "literal", "/p")
	if err != nil || v != "literal" || f.calls != 0 {
		t.Fatalf("got %q %v calls=%d", v, err, f.calls)
	}
	v, err = r.Resolve(context.Background(), "", "/p")
	if err != nil || v != "from-ssm" {
		t.Fatalf("got %q %v", v, err)
	}
	var nilReader *Reader
	if _, err := nilReader.Resolve(context.Background(), "", "/p"); err == nil {
		t.Fatal("nil reader with param should fail")
	}
}
