// Command server is a minimal demonstration harness for rsqlcore: it opens a
// database in the directory named by its first argument (or "./data"), runs
// the SQL statements piped in on stdin as one connection, and prints each
// statement's result.
package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/relicio/rsqlcore"
	"github.com/relicio/rsqlcore/internal/config"
	"github.com/relicio/rsqlcore/internal/dataitem"
	"github.com/relicio/rsqlcore/internal/engine"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Defaults()
	if len(os.Args) > 1 {
		cfg.DBDir = os.Args[1]
	}

	db, err := rsqlcore.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	const connID = 1
	defer db.DisconnectCallback(connID)

	sql, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return err
	}

	results, err := db.Execute(string(sql), connID)
	for _, res := range results {
		printResult(res)
	}
	return err
}

func printResult(res rsqlcore.ExecutionResult) {
	switch res.Kind {
	case engine.ResultQuery:
		printRows(res.Columns, res.Rows)
	default:
		if res.Message != "" {
			fmt.Println(res.Message)
		}
		if res.Affected > 0 {
			fmt.Printf("%d row(s) affected\n", res.Affected)
		}
	}
}

func printRows(cols []rsqlcore.Column, rows [][]dataitem.DataItem) {
	for i, c := range cols {
		if i > 0 {
			fmt.Print("\t")
		}
		fmt.Print(c.Name)
	}
	fmt.Println()
	for _, row := range rows {
		for i, item := range row {
			if i > 0 {
				fmt.Print("\t")
			}
			fmt.Print(formatItem(item))
		}
		fmt.Println()
	}
}

func formatItem(item dataitem.DataItem) string {
	if item.IsNull() {
		return "NULL"
	}
	switch item.Tag {
	case dataitem.TagInteger:
		return fmt.Sprintf("%d", item.Int)
	case dataitem.TagFloat:
		return fmt.Sprintf("%g", item.Flt)
	case dataitem.TagBool:
		return fmt.Sprintf("%t", item.B)
	case dataitem.TagChars:
		return item.Chars
	case dataitem.TagVarChar:
		return item.VarCharVal
	default:
		return ""
	}
}
