package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/govexport/internal/archive"
	"github.com/keithlinneman/govexport/internal/classifier"
	"github.com/keithlinneman/govexport/internal/gate"
	"github.com/keithlinneman/govexport/internal/httpmw"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

type scanFinding struct {
	Source      string `json:"source"`
	Category    string `json:"category"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	DisplayHash string `json:"displayHash"`
}

type scanOutput struct {
	Summary  classifier.Summary `json:"summary"`
	Findings []scanFinding      `json:"findings"`
}

func newScanCmd() *cobra.Command {
	var rulesPath string
	cmd := &cobra.Command{
		Use:   "scan [FILE...]",
		Short: "Run the PHI classifier over files or stdin; matches are reported by hash only",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var sc *classifier.PatternScanner
			var err error
			if rulesPath == "" {
				sc, err = classifier.NewPatternScanner(classifier.DefaultRules())
			} else {
				sc, err = classifier.NewFromFile(rulesPath)
			}
			if err != nil {
				return err
			}

			type input struct{ name, text string }
			var inputs []input
			if len(args) == 0 {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return xerrors.Wrap(err, "read stdin")
				}
				inputs = append(inputs, input{"-", string(b)})
			}
			for _, p := range args {
				b, err := os.ReadFile(p)
				if err != nil {
					return xerrors.Wrapf(err, "read %s", p)
				}
				inputs = append(inputs, input{p, string(b)})
			}

			out := scanOutput{Findings: []scanFinding{}}
			var results []classifier.Result
			for _, in := range inputs {
				res, err := sc.Scan(ctx, in.text)
				if err != nil {
					return err
				}
				results = append(results, res)
				for _, f := range res.Findings {
					out.Findings = append(out.Findings, scanFinding{
						Source:      in.name,
						Category:    f.Category,
						Start:       f.Start,
						End:         f.End,
						DisplayHash: classifier.DisplayHash(in.text, f),
					})
				}
			}
			out.Summary = classifier.Aggregate(results...)
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if out.Summary.Blocked() {
				return failf("PHI detected (risk %s)", out.Summary.Risk)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesPath, "rules", "", "rules TOML file (default built-in rules)")
	return cmd
}

func newDecryptCmd() *cobra.Command {
	var identityPath, outPath string
	cmd := &cobra.Command{
		Use:   "decrypt ARCHIVE.age",
		Short: "Decrypt a retained archive with an age identity file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := os.ReadFile(identityPath)
			if err != nil {
				return xerrors.Wrap(err, "read identity file")
			}
			src, err := os.Open(args[0])
			if err != nil {
				return xerrors.Wrap(err, "open archive")
			}
			defer src.Close()

			if outPath == "" {
				outPath = strings.TrimSuffix(args[0], ".age")
				if outPath == args[0] {
					outPath += ".zip"
				}
			}
			dst, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return xerrors.Wrap(err, "create output")
			}
			w := bufio.NewWriter(dst)
			n, err := archive.Decrypt(w, src, string(ids))
			if err == nil {
				err = w.Flush()
			}
			if cerr := dst.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(outPath)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", outPath, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&identityPath, "identity", "i", "", "age identity file")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output path (default ARCHIVE without .age)")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func newIssueTokenCmd() *cobra.Command {
	var subject, role, email, name, issuer string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign a bearer token for local testing; the secret is read from GOVEX_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := envOr("JWT_SECRET", "")
			if len(secret) < 32 {
				return xerrors.New("GOVEX_JWT_SECRET must be set to at least 32 bytes")
			}
			if _, ok := gate.ParseRole(role); !ok {
				return xerrors.Newf("unknown role %q", role)
			}
			tok, err := httpmw.IssueToken([]byte(secret), httpmw.Principal{
				ID: subject, Role: role, Email: email, Name: name,
			}, issuer, ttl, time.Now())
			if err != nil {
				return xerrors.Wrap(err, "sign token")
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "subject (user id)")
	cmd.Flags().StringVar(&role, "role", "researcher", "researcher|steward|admin")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&name, "name", "", "name claim")
	cmd.Flags().StringVar(&issuer, "issuer", "", "iss claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
