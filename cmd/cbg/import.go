package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/nexfon/cbg/internal/importer"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load bootstrap data files",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "destinations [file]",
			Short: "Load dial destinations from a JSON file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runImport(args[0], (*importer.Importer).ImportDestinations)
			},
		},
		&cobra.Command{
			Use:   "branches [file]",
			Short: "Load branch definitions from a JSON file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runImport(args[0], (*importer.Importer).ImportBranches)
			},
		},
		&cobra.Command{
			Use:   "credits [file]",
			Short: "Load subscriber credit top-ups from a CSV file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runImport(args[0], (*importer.Importer).ImportCredits)
			},
		},
	)
	return cmd
}

func runImport(path string, load func(*importer.Importer, context.Context, io.Reader) (int, error)) error {
	var imp *importer.Importer
	app := fx.New(
		infraModules(),
		domainModules(),
		importer.Module,
		fx.Populate(&imp),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.Stop(ctx) }()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := load(imp, ctx, f)
	if err != nil {
		return fmt.Errorf("imported %d rows: %w", n, err)
	}
	fmt.Printf("imported %d rows\n", n)
	return nil
}
