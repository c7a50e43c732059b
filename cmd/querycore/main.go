// querycore - query execution over JSON record databases
//
// Run structured or natural-language queries against a directory of JSON
// databases, export results, or inspect engine statistics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/lensfield/querycore"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "query":
		runQuery(os.Args[2:])
	case "search":
		runSearch(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`querycore - query execution over JSON record databases

Usage:
  querycore query [flags]      Run a structured query
  querycore search [flags]     Run a natural-language query
  querycore export [flags]     Export query results to a file
  querycore stats [flags]      Show table statistics for a database

Query flags:
  --data string      Data directory (default "./data")
  --db string        Database to query
  --filter value     Filter as field:op:value, repeatable
  --sort string      Comma-separated sort keys, prefix - for descending
  --page int         1-based page number (default 1)
  --size int         Page size (default 50)

Search flags:
  --data string      Data directory (default "./data")
  --q string         Query text

Export flags:
  --data string      Data directory (default "./data")
  --db string        Database to export
  --format string    csv, tsv, json, jsonl, xlsx or parquet (default "csv")
  --out string       Output file (default stdout for text formats)

Stats flags:
  --data string      Data directory (default "./data")
  --db string        Database to analyze`)
}

// filterFlags collects repeated --filter values
type filterFlags []string

func (f *filterFlags) String() string { return strings.Join(*f, ",") }
func (f *filterFlags) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func newEngine(dataDir string) *querycore.Engine {
	cfg := querycore.ConfigFromEnv()
	cfg.DataDir = dataDir

	logger, err := querycore.NewProductionZapLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	engine, err := querycore.NewEngine(cfg, querycore.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

func parseFilters(raw filterFlags) []querycore.Filter {
	var filters []querycore.Filter
	for _, arg := range raw {
		parts := strings.SplitN(arg, ":", 3)
		if len(parts) < 2 {
			log.Fatalf("Bad filter %q, want field:op[:value]", arg)
		}
		f := querycore.Filter{
			Field:    parts[0],
			Operator: querycore.Operator(parts[1]),
		}
		if len(parts) == 3 {
			f.Value = parts[2]
		}
		filters = append(filters, f)
	}
	return filters
}

func parseSort(raw string) []querycore.SortField {
	if raw == "" {
		return nil
	}
	var fields []querycore.SortField
	for _, key := range strings.Split(raw, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		order := querycore.SortAsc
		if strings.HasPrefix(key, "-") {
			order = querycore.SortDesc
			key = key[1:]
		}
		fields = append(fields, querycore.SortField{Field: key, Order: order})
	}
	return fields
}

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	var (
		dataDir = fs.String("data", "./data", "Data directory")
		db      = fs.String("db", "", "Database to query")
		sortStr = fs.String("sort", "", "Comma-separated sort keys")
		page    = fs.Int("page", 1, "Page number")
		size    = fs.Int("size", querycore.DefaultPageSize, "Page size")
	)
	var filters filterFlags
	fs.Var(&filters, "filter", "Filter as field:op:value")
	fs.Parse(args)

	if *db == "" {
		log.Fatal("--db is required")
	}

	engine := newEngine(*dataDir)
	defer engine.Close()

	result, err := engine.ExecuteStructured(context.Background(), &querycore.StructuredQuery{
		Database:   *db,
		Filters:    parseFilters(filters),
		SortFields: parseSort(*sortStr),
		Page:       *page,
		PageSize:   *size,
	})
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	printResult(result)
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	var (
		dataDir = fs.String("data", "./data", "Data directory")
		text    = fs.String("q", "", "Query text")
	)
	fs.Parse(args)

	if *text == "" {
		log.Fatal("--q is required")
	}

	engine := newEngine(*dataDir)
	defer engine.Close()

	result, err := engine.ExecuteNatural(context.Background(), *text)
	if err != nil {
		log.Fatalf("Search failed: %v", err)
	}
	printResult(result)
}

func printResult(result *querycore.QueryResult) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatalf("Failed to encode result: %v", err)
	}
	fmt.Fprintf(os.Stderr, "%d of %d records in %.1fms (cache: %v)\n",
		len(result.Data), result.TotalCount, result.ExecutionTimeMS, result.FromCache)
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var (
		dataDir   = fs.String("data", "./data", "Data directory")
		db        = fs.String("db", "", "Database to export")
		formatStr = fs.String("format", "csv", "Output format")
		out       = fs.String("out", "", "Output file")
	)
	fs.Parse(args)

	if *db == "" {
		log.Fatal("--db is required")
	}
	format, err := querycore.ParseFormat(*formatStr)
	if err != nil {
		log.Fatalf("Bad format: %v", err)
	}

	engine := newEngine(*dataDir)
	defer engine.Close()

	records, err := engine.Loader().LoadDatabase(context.Background(), *db)
	if err != nil {
		log.Fatalf("Load failed: %v", err)
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("Failed to create output file: %v", err)
		}
		defer f.Close()
		w = f
	} else if format == querycore.FormatExcel || format == querycore.FormatParquet {
		log.Fatal("--out is required for binary formats")
	}

	writer, err := querycore.WriterFor(format)
	if err != nil {
		log.Fatalf("Bad format: %v", err)
	}

	start := time.Now()
	rows, err := writer.Write(w, querycore.NewSliceIterator(records), querycore.ExportOptions{}, nil)
	if err != nil {
		log.Fatalf("Export failed: %v", err)
	}
	fmt.Fprintf(os.Stderr, "Exported %d rows in %s\n", rows, time.Since(start).Round(time.Millisecond))
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	var (
		dataDir = fs.String("data", "./data", "Data directory")
		db      = fs.String("db", "", "Database to analyze")
	)
	fs.Parse(args)

	engine := newEngine(*dataDir)
	defer engine.Close()

	if *db == "" {
		names, err := engine.Loader().AvailableDatabases()
		if err != nil {
			log.Fatalf("Failed to list databases: %v", err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return
	}

	records, err := engine.Loader().LoadDatabase(context.Background(), *db)
	if err != nil {
		log.Fatalf("Load failed: %v", err)
	}

	stats := querycore.CollectTableStatistics(*db, records, nil)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		log.Fatalf("Failed to encode statistics: %v", err)
	}
}
