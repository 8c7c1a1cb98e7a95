package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/AltynCore/keste/internal/persist"
	"github.com/AltynCore/keste/internal/workbook"
	"github.com/AltynCore/keste/pkg/atomicfile"
)

func saveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save <dump.sql|-> <out.kst>",
		Short: "Replay a SQL dump into a SQLite file, replacing it atomically",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dump, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}

			res, err := localEngine().Save(cmd.Context(), persist.SaveRequest{
				SQLDump: dump,
				OutPath: args[1],
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", args[1], humanize.IBytes(uint64(res.BytesWritten)))
			return nil
		},
	}
}

func loadCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "load <file.kst>",
		Short: "Print the SQL dump of a SQLite file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dump, err := localEngine().Load(cmd.Context(), persist.LoadRequest{FilePath: args[0]})
			if err != nil {
				return err
			}

			if output == "" {
				_, err := io.WriteString(cmd.OutOrStdout(), dump)
				return err
			}

			_, err = atomicfile.WriteFile(output, strings.NewReader(dump), atomicfile.Options{
				Suffix: cfg.Engine.StagingSuffix,
			})
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the dump to this file instead of stdout")

	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file.kst>",
		Short: "Check that a file survives a load, save, load round trip unchanged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := roundTrip(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: round trip OK\n", args[0])
			return nil
		},
	}
}

// roundTrip reads path, writes the dump to a scratch file and reads it back.
func roundTrip(ctx context.Context, path string) error {
	engine := localEngine()

	first, err := engine.Load(ctx, persist.LoadRequest{FilePath: path})
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "keste-verify-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	scratch := filepath.Join(dir, "verify.kst")
	if _, err := engine.Save(ctx, persist.SaveRequest{SQLDump: first, OutPath: scratch}); err != nil {
		return err
	}

	second, err := engine.Load(ctx, persist.LoadRequest{FilePath: scratch})
	if err != nil {
		return err
	}

	if first != second {
		return fmt.Errorf("%s: dump changed after round trip", path)
	}
	return nil
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <book.xlsx|-> <out.kst>",
		Short: "Convert an Excel workbook into a .kst file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := localEngine()

			var (
				wb  *workbook.Workbook
				res *persist.SaveResult
				err error
			)
			if args[0] == "-" {
				wb, err = workbook.ReadXLSX(cmd.InOrStdin())
				if err != nil {
					return err
				}
				res, err = engine.SaveWorkbook(cmd.Context(), wb, args[1])
			} else {
				wb, res, err = engine.ImportXLSX(cmd.Context(), args[0], args[1])
			}
			if err != nil {
				return err
			}

			sum := wb.Summary()
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (%d sheets, %d cells, %s)\n",
				args[1], len(sum.Sheets), sum.Cells, humanize.IBytes(uint64(res.BytesWritten)))
			return nil
		},
	}
}

func inspectCmd() *cobra.Command {
	var (
		asJSON bool
		isDump bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <file.kst>",
		Short: "Summarize the sheets of a workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				wb  *workbook.Workbook
				err error
			)
			if isDump {
				var dump string
				if dump, err = readInput(cmd, args[0]); err != nil {
					return err
				}
				wb, err = workbook.DecodeDump(cmd.Context(), dump)
			} else {
				wb, err = localEngine().LoadWorkbook(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}

			sum := wb.Summary()
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sum)
			}

			fmt.Fprintf(out, "Workbook %s: %d sheets, %d cells, %d formulas\n",
				sum.ID, len(sum.Sheets), sum.Cells, sum.Formulas)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SHEET\tCELLS\tFORMULAS\tRANGE")
			for _, s := range sum.Sheets {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", s.Name, s.Cells, s.Formulas, s.Dimension)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	cmd.Flags().BoolVar(&isDump, "dump", false, "read the argument as a SQL dump file, or - for stdin")

	return cmd
}

func readInput(cmd *cobra.Command, name string) (string, error) {
	if name == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("failed to read dump: %w", err)
	}
	return string(data), nil
}
