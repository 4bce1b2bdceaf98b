package main

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/govexport/internal/archive"
	"github.com/keithlinneman/govexport/internal/cfg"
	"github.com/keithlinneman/govexport/internal/classifier"
	"github.com/keithlinneman/govexport/internal/cryptoutil"
	"github.com/keithlinneman/govexport/internal/gate"
	"github.com/keithlinneman/govexport/internal/log"
	"github.com/keithlinneman/govexport/internal/ssmparam"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

// awsClients holds only the clients the config asks for; unused ones are nil.
type awsClients struct {
	params *ssmparam.Reader
	s3     *s3.Client
	kms    *kms.Client
}

func needsAWS(c cfg.App) bool {
	return c.DBDSNSSMParam != "" || c.JWTSecretSSMParam != "" ||
		c.ArchiveS3Bucket != "" || c.ManifestSigningKeyARN != ""
}

func newAWSClients(ctx context.Context, c cfg.App) (awsClients, error) {
	var out awsClients
	if !needsAWS(c) {
		return out, nil
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return out, xerrors.Wrap(err, "load AWS config")
	}
	if c.DBDSNSSMParam != "" || c.JWTSecretSSMParam != "" {
		out.params = ssmparam.New(ssm.NewFromConfig(awsCfg))
	}
	if c.ArchiveS3Bucket != "" {
		out.s3 = s3.NewFromConfig(awsCfg)
	}
	if c.ManifestSigningKeyARN != "" {
		out.kms = kms.NewFromConfig(awsCfg)
	}
	return out, nil
}

func newScanner(rulesPath string) (classifier.Scanner, error) {
	if rulesPath == "" {
		return classifier.NewPatternScanner(classifier.DefaultRules())
	}
	return classifier.NewFromFile(rulesPath)
}

// newArchiver returns nil when retention is not configured.
func newArchiver(c cfg.App, clients awsClients, L log.Logger) (gate.Archiver, error) {
	var inner archive.Putter
	switch {
	case c.ArchiveS3Bucket != "":
		s, err := archive.NewS3Store(clients.s3, c.ArchiveS3Bucket, c.ArchiveS3Prefix, L)
		if err != nil {
			return nil, err
		}
		inner = s
	case c.ArchiveDir != "":
		d, err := archive.NewDirStore(c.ArchiveDir)
		if err != nil {
			return nil, err
		}
		inner = d
	default:
		return nil, nil
	}
	if c.ArchiveAgeRecipients == "" {
		return inner, nil
	}
	recipients, err := os.ReadFile(c.ArchiveAgeRecipients)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read age recipients %s", c.ArchiveAgeRecipients)
	}
	return archive.NewAgeStore(inner, string(recipients), c.TempDir)
}

// newSigner returns nil when manifest signing is off.
func newSigner(c cfg.App, clients awsClients) gate.Signer {
	if clients.kms == nil || c.ManifestSigningKeyARN == "" {
		return nil
	}
	return cryptoutil.NewKMSSigner(clients.kms, c.ManifestSigningKeyARN)
}

// scratchDir is where the gate spools archives; empty means the OS default.
func scratchDir(dir string) string {
	if dir == "" {
		return os.TempDir()
	}
	return dir
}
