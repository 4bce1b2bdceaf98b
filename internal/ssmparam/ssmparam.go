// Package ssmparam reads secrets such as database DSNs and token keys from
// AWS SSM Parameter Store.
package ssmparam

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/govexport/internal/xerrors"
)

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Reader struct {
	client ssmAPI
}

func New(client *ssm.Client) *Reader { return &Reader{client: client} }

// Get returns the decrypted, trimmed value of name. Empty values are errors.
func (r *Reader) Get(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return v, nil
}

// Resolve returns literal when set, else the value of param. Neither set is
// not an error; callers validate.
func (r *Reader) Resolve(ctx context.Context, literal, param string) (string, error) {
	if literal != "" || param == "" {
		return literal, nil
	}
	if r == nil || r.client == nil {
		return "", xerrors.Newf("SSM parameter %s configured but no SSM client", param)
	}
	return r.Get(ctx, param)
}
