package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"paymentengine/integrations/audit"
)

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("export", stderr)
	var (
		driver string
		dsn    string
		out    string
		since  uint64
		format string
	)
	fs.StringVar(&driver, "driver", "sqlite", "audit database driver (sqlite or postgres)")
	fs.StringVar(&dsn, "dsn", "", "audit database DSN")
	fs.StringVar(&out, "out", "", "output file")
	fs.Uint64Var(&since, "since", 0, "export records after this audit sequence")
	fs.StringVar(&format, "format", "parquet", "parquet, csv or jsonl")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(dsn) == "" {
		return printError(stderr, "--dsn is required")
	}
	if strings.TrimSpace(out) == "" {
		return printError(stderr, "--out is required")
	}
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "parquet", "csv", "jsonl":
	default:
		return printError(stderr, fmt.Sprintf("unsupported format %q", format))
	}

	db, err := audit.Open(driver, dsn)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	log, err := audit.NewLog(db, nil, nil)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := log.Verify(); err != nil {
		return printError(stderr, fmt.Sprintf("audit chain: %v", err))
	}

	if format == "parquet" {
		n, err := log.ExportParquet(out, since)
		if err != nil {
			return printError(stderr, err.Error())
		}
		fmt.Fprintf(stdout, "exported %d records to %s\n", n, out)
		return 0
	}

	records, err := log.Since(since)
	if err != nil {
		return printError(stderr, err.Error())
	}
	render := audit.CSV
	if format == "jsonl" {
		render = audit.JSONL
	}
	payload, checksum, err := render(records)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := os.WriteFile(out, payload, 0o600); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "exported %d records to %s (sha256 %s)\n", len(records), out, checksum)
	return 0
}
