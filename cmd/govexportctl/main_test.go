package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/govexport/internal/auditchain"
	"github.com/keithlinneman/govexport/internal/bundle"
	"github.com/keithlinneman/govexport/internal/classifier"
	"github.com/keithlinneman/govexport/internal/gate"
	"github.com/keithlinneman/govexport/internal/gather"
	"github.com/keithlinneman/govexport/internal/httpmw"
	"github.com/keithlinneman/govexport/internal/sqlstore"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeArchive(t *testing.T) (string, bundle.Result) {
	t.Helper()
	sc, err := classifier.NewPatternScanner(classifier.DefaultRules())
	require.NoError(t, err)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	in := bundle.Input{
		BundleID:  "bundle-ctl",
		CreatedAt: at,
		Requester: bundle.Party{ID: "u-res", Role: "researcher"},
		Approval: bundle.Approval{
			RequestID: "req-ctl", RequestedAt: at.Add(-time.Hour), ApprovedAt: at,
			ApprovedBy: "u-stew", ApproverRole: "steward", ExpiresAt: at.Add(24 * time.Hour),
		},
		Snapshot: gather.Snapshot{
			ProjectID:    "proj-ctl",
			Declarations: []gather.Declaration{{ID: "d1", Version: 1, Title: "Sleep", Body: "hypothesis"}},
		},
		Chain: auditchain.Verify(nil),
	}
	path := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	res, err := bundle.NewBuilder(sc, nil).Build(context.Background(), in, f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return path, res
}

func TestVerifyBundle(t *testing.T) {
	path, res := writeArchive(t)

	out, err := run(t, "", "verify-bundle", path, "--bundle-hash", res.BundleHash)
	require.NoError(t, err, out)
	var rep bundleReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.OK)
	assert.Equal(t, res.ManifestHash, rep.ManifestHash)
	assert.False(t, rep.SignatureChecked)

	out, err = run(t, "", "verify-bundle", path, "--bundle-hash", strings.Repeat("0", 64))
	require.Error(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.False(t, rep.OK)
	assert.NotEmpty(t, rep.Problems)
}

func TestVerifyBundleSignatureNeedsKey(t *testing.T) {
	path, _ := writeArchive(t)
	_, err := run(t, "", "verify-bundle", path, "--signature", "c2ln")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--key-arn")
}

func TestMigrateAndVerifyChain(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "ctl.db")

	_, err := run(t, "", "migrate", "--db-driver", "sqlite", "--db-dsn", dsn, "--check")
	require.Error(t, err, "fresh database is not current")

	out, err := run(t, "", "migrate", "--db-driver", "sqlite", "--db-dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "schema at version")

	out, err = run(t, "", "migrate", "--db-driver", "sqlite", "--db-dsn", dsn, "--check")
	require.NoError(t, err)
	assert.Contains(t, out, "schema is current")

	ctx := context.Background()
	store, err := sqlstore.Open(ctx, sqlstore.SQLite, dsn)
	require.NoError(t, err)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Tx(ctx, func(ctx context.Context, tx gate.Tx) error {
		for i, p := range []string{"proj-a", "proj-b", "proj-a"} {
			if _, err := auditchain.Append(ctx, tx, auditchain.Draft{
				Action:    auditchain.ActionCreated,
				Actor:     auditchain.Actor{ID: "u1", Role: "researcher"},
				Scope:     "req-" + p,
				ProjectID: p,
				Details:   map[string]any{"n": i},
				Timestamp: at.Add(time.Duration(i) * time.Minute),
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, store.Close())

	out, err = run(t, "", "verify-chain", "--db-driver", "sqlite", "--db-dsn", dsn)
	require.NoError(t, err, out)
	var v auditchain.Verification
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Valid)
	assert.Equal(t, 3, v.Checked)

	out, err = run(t, "", "verify-chain", "--db-driver", "sqlite", "--db-dsn", dsn, "--project", "proj-a")
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, 2, v.Checked)
}

func TestMigrateRejectsUnknownDriver(t *testing.T) {
	_, err := run(t, "", "migrate", "--db-driver", "mysql", "--db-dsn", "x")
	require.Error(t, err)
}

func TestScan(t *testing.T) {
	out, err := run(t, "no identifiers here", "scan")
	require.NoError(t, err)
	var res scanOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, classifier.RiskNone, res.Summary.Risk)
	assert.Empty(t, res.Findings)

	out, err = run(t, "patient SSN 123-45-6789", "scan")
	require.Error(t, err)
	assert.NotContains(t, out, "123-45-6789")
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "ssn", res.Findings[0].Category)
	assert.Equal(t, "-", res.Findings[0].Source)
	assert.True(t, strings.HasPrefix(res.Findings[0].DisplayHash, "sha256:"))
}

func TestScanCustomRules(t *testing.T) {
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.toml")
	require.NoError(t, os.WriteFile(rules, []byte("[[rule]]\ncategory = \"study-id\"\npattern = 'STUDY-\\d{4}'\nrisk = \"low\"\n"), 0o600))
	doc := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(doc, []byte("see STUDY-0042"), 0o600))

	out, err := run(t, "", "scan", "--rules", rules, doc)
	require.Error(t, err)
	var res scanOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, map[string]int{"study-id": 1}, res.Summary.ByCategory)
	assert.Equal(t, doc, res.Findings[0].Source)
}

func TestDecrypt(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	dir := t.TempDir()
	idFile := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(idFile, []byte(id.String()+"\n"), 0o600))

	enc := filepath.Join(dir, "export.zip.age")
	f, err := os.Create(enc)
	require.NoError(t, err)
	w, err := age.Encrypt(f, id.Recipient())
	require.NoError(t, err)
	_, err = w.Write([]byte("archive bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	out, err := run(t, "", "decrypt", enc, "-i", idFile)
	require.NoError(t, err)
	assert.Contains(t, out, "export.zip")
	got, err := os.ReadFile(filepath.Join(dir, "export.zip"))
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(got))

	// never overwrites
	_, err = run(t, "", "decrypt", enc, "-i", idFile)
	require.Error(t, err)

	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(idFile, []byte(other.String()+"\n"), 0o600))
	_, err = run(t, "", "decrypt", enc, "-i", idFile, "-o", filepath.Join(dir, "wrong.zip"))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "wrong.zip"))
	assert.True(t, os.IsNotExist(statErr), "failed output is removed")
}

func TestIssueToken(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	t.Setenv("GOVEX_JWT_SECRET", secret)

	out, err := run(t, "", "issue-token", "--sub", "u-stew", "--role", "steward", "--ttl", "5m")
	require.NoError(t, err)
	tok := strings.TrimSpace(out)
	require.NotEmpty(t, tok)

	var claims httpmw.Claims
	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	payload, err := jwtSegment(parts[1])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, "u-stew", claims.Subject)
	assert.Equal(t, "steward", claims.Role)

	_, err = run(t, "", "issue-token", "--sub", "u", "--role", "janitor")
	require.Error(t, err)

	t.Setenv("GOVEX_JWT_SECRET", "short")
	_, err = run(t, "", "issue-token", "--sub", "u")
	require.Error(t, err)
}

func jwtSegment(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
