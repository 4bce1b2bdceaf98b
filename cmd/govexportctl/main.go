// Command govexportctl is the operator tool for govexport: offline archive
// and audit chain verification, schema migrations, rule testing, archive
// decryption and token issuance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/govexport/internal/cfg"
	v "github.com/keithlinneman/govexport/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type dbFlags struct {
	driver string
	dsn    string
}

func (f *dbFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.driver, "db-driver", envOr("DB_DRIVER", "sqlite"), "postgres|sqlite")
	cmd.Flags().StringVar(&f.dsn, "db-dsn", envOr("DB_DSN", ""), "database DSN")
}

func envOr(key, def string) string {
	if s, ok := os.LookupEnv(cfg.EnvPrefix + key); ok {
		return s
	}
	return def
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "govexportctl",
		Short:         "Operate and verify govexport reproducibility exports",
		Version:       v.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newVerifyBundleCmd(),
		newVerifyChainCmd(),
		newMigrateCmd(),
		newScanCmd(),
		newDecryptCmd(),
		newIssueTokenCmd(),
	)
	return root
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// failf reports a failed check after its report was printed.
func failf(format string, args ...any) error { return fmt.Errorf(format, args...) }
