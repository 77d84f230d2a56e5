package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ha1tch/pljs/pkg/catalog"
	"github.com/ha1tch/pljs/pkg/config"
	"github.com/ha1tch/pljs/pkg/engine"
	"github.com/ha1tch/pljs/pkg/host"
	"github.com/ha1tch/pljs/pkg/log"
	"github.com/ha1tch/pljs/pkg/modules"
	"github.com/ha1tch/pljs/pkg/types"
	"github.com/ha1tch/pljs/pkg/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pljs", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configFile  = fs.String("c", "", "Configuration file path")
		configFileL = fs.String("config", "", "Configuration file path")
		catalogPath = fs.String("catalog", "", "Catalog database path (overrides config)")
		moduleDir   = fs.String("module-dir", "", "Script module directory (overrides config)")
		startProc   = fs.String("start-proc", "", "Start procedure (overrides config)")
		principal   = fs.String("principal", "postgres", "Security principal for calls")

		fnArgs   = fs.String("arg-types", "", "Comma-separated argument types (install)")
		fnNames  = fs.String("arg-names", "", "Comma-separated argument names (install)")
		fnRet    = fs.String("ret", "json", "Return type (install)")
		fnSet    = fs.Bool("set", false, "Function returns a set of rows (install)")
		fnOwner  = fs.String("owner", "postgres", "Function owner (install)")
		replace  = fs.Bool("replace", false, "Replace an existing function (install)")
		validate = fs.Bool("validate", false, "Validate after install")

		logLevel  = fs.String("log-level", "", "Log level (overrides config)")
		logFormat = fs.String("log-format", "", "Log format (overrides config)")

		showHelp     = fs.Bool("h", false, "Show help")
		showHelpL    = fs.Bool("help", false, "Show help")
		showVersion  = fs.Bool("v", false, "Show version")
		showVersionL = fs.Bool("version", false, "Show version")
	)

	fs.Usage = func() {
		printUsage(stderr)
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *configFileL != "" {
		*configFile = *configFileL
	}
	if *showHelpL {
		*showHelp = true
	}
	if *showVersionL {
		*showVersion = true
	}

	if *showHelp {
		printUsage(stdout)
		return 0
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.Full())
		return 0
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "error loading config: %v\n", err)
		return 1
	}
	if *catalogPath != "" {
		cfg.Catalog.Path = *catalogPath
	}
	if *moduleDir != "" {
		cfg.Engine.ModuleDir = *moduleDir
	}
	if *startProc != "" {
		cfg.Engine.StartProc = *startProc
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return 2
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}

	logger := cfg.Logger()
	log.SetDefault(logger)

	cat, err := catalog.OpenSQLite(catalog.Config{
		Path:        cfg.Catalog.Path,
		BusyTimeout: cfg.Catalog.BusyTimeoutMS,
	}, logger)
	if err != nil {
		fmt.Fprintf(stderr, "error opening catalog: %v\n", err)
		return 1
	}
	defer cat.Close()

	lib, err := modules.Load(cfg.Engine.ModuleDir, logger)
	if err != nil {
		fmt.Fprintf(stderr, "error loading modules: %v\n", err)
		return 1
	}

	session := host.NewSQLSession(cat.DB(), logger)
	eng := engine.New(engine.Config{
		StartProc: cfg.Engine.StartProc,
		Library:   lib,
	}, cat, session, logger)

	txn := host.NewTxnManager(cat.DB(), logger)
	txn.RegisterHook(eng.OnTxnEnd)

	if cfg.Engine.WatchModules {
		watcher := modules.NewWatcher(lib, eng.InvalidateContexts, logger)
		if err := watcher.Start(); err != nil {
			fmt.Fprintf(stderr, "error starting module watcher: %v\n", err)
			return 1
		}
		defer watcher.Stop()
	}

	app := &app{
		cat:       cat,
		eng:       eng,
		txn:       txn,
		principal: *principal,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
	}

	ctx := context.Background()
	cmd, cmdArgs := rest[0], rest[1:]

	var cmdErr error
	switch cmd {
	case "install":
		cmdErr = app.install(ctx, cmdArgs, installOpts{
			argTypes: *fnArgs,
			argNames: *fnNames,
			retType:  *fnRet,
			retSet:   *fnSet,
			owner:    *fnOwner,
			replace:  *replace,
			validate: *validate,
		})
	case "call":
		cmdErr = app.call(ctx, cmdArgs)
	case "eval":
		cmdErr = app.eval(ctx, cmdArgs)
	case "validate":
		cmdErr = app.validate(ctx, cmdArgs)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}

	if cmdErr != nil {
		fmt.Fprintf(stderr, "error: %v\n", cmdErr)
		return 1
	}
	return 0
}

type app struct {
	cat       *catalog.SQLiteCatalog
	eng       *engine.Engine
	txn       *host.TxnManager
	principal string
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
}

type installOpts struct {
	argTypes string
	argNames string
	retType  string
	retSet   bool
	owner    string
	replace  bool
	validate bool
}

// install reads a function body from a file (or stdin for "-") and
// records it in the catalog.
func (a *app) install(ctx context.Context, args []string, opts installOpts) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: pljs install <name> <file.js>")
	}
	name, path := args[0], args[1]

	source, err := readSource(path, a.stdin)
	if err != nil {
		return err
	}

	retOID, ok := types.OIDByName(opts.retType)
	if !ok {
		return fmt.Errorf("unknown return type %q", opts.retType)
	}
	argOIDs, err := parseArgTypes(opts.argTypes)
	if err != nil {
		return err
	}
	var argNames []string
	if opts.argNames != "" {
		argNames = strings.Split(opts.argNames, ",")
	}

	meta := &catalog.FunctionMeta{
		Name:     name,
		Owner:    opts.owner,
		Source:   source,
		ArgTypes: argOIDs,
		ArgNames: argNames,
		RetType:  retOID,
		RetSet:   opts.retSet,
	}

	var fnID int64
	if opts.replace {
		fnID, err = a.cat.ResolveFunction(ctx, name)
		if err != nil {
			return err
		}
		if err := a.cat.ReplaceFunction(ctx, fnID, meta); err != nil {
			return err
		}
	} else {
		fnID, err = a.cat.CreateFunction(ctx, meta)
		if err != nil {
			return err
		}
	}

	if opts.validate {
		if err := a.eng.Validate(ctx, fnID, a.principal); err != nil {
			return err
		}
	}

	fmt.Fprintf(a.stdout, "installed %s (id %d)\n", name, fnID)
	return nil
}

// call invokes a function with literal arguments and prints the result.
func (a *app) call(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: pljs call <name> [arg...]")
	}
	name := args[0]

	fnID, err := a.cat.ResolveFunction(ctx, name)
	if err != nil {
		return err
	}
	meta, err := a.cat.LookupFunction(ctx, fnID)
	if err != nil {
		return err
	}
	datums, nulls, err := parseCallArgs(meta, args[1:], a.cat)
	if err != nil {
		return err
	}

	if err := a.txn.Begin(ctx); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			a.txn.Rollback()
		}
	}()

	inv := &engine.Invocation{
		FunctionID: fnID,
		Principal:  a.principal,
		Args:       datums,
		ArgNulls:   nulls,
	}
	var sink *host.MemorySink
	if meta.RetSet {
		sink = host.NewMemorySink()
		inv.Sink = sink
	}

	res, err := a.eng.Call(ctx, inv)
	if err != nil {
		return err
	}
	if err := a.txn.Commit(); err != nil {
		return err
	}
	committed = true

	if meta.RetSet {
		return printRows(a.stdout, sink)
	}
	return printDatum(a.stdout, res)
}

// eval runs anonymous code from a file or stdin.
func (a *app) eval(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pljs eval <file.js|->")
	}
	source, err := readSource(args[0], a.stdin)
	if err != nil {
		return err
	}

	if err := a.txn.Begin(ctx); err != nil {
		return err
	}
	if err := a.eng.RunInline(ctx, a.principal, source); err != nil {
		a.txn.Rollback()
		return err
	}
	return a.txn.Commit()
}

// validate compiles a function under validation rules.
func (a *app) validate(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pljs validate <name>")
	}
	fnID, err := a.cat.ResolveFunction(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.eng.Validate(ctx, fnID, a.principal); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s: OK\n", args[0])
	return nil
}

func readSource(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func parseArgTypes(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	oids := make([]uint32, len(parts))
	for i, p := range parts {
		oid, ok := types.OIDByName(strings.TrimSpace(p))
		if !ok {
			return nil, fmt.Errorf("unknown argument type %q", p)
		}
		oids[i] = oid
	}
	return oids, nil
}

// parseCallArgs converts textual argument literals into datums per the
// function's declared argument types. The literal "null" is NULL.
func parseCallArgs(meta *catalog.FunctionMeta, literals []string, resolver types.CompositeResolver) ([]types.Datum, []bool, error) {
	if len(literals) != len(meta.ArgTypes) {
		return nil, nil, fmt.Errorf("%s expects %d arguments, got %d",
			meta.Name, len(meta.ArgTypes), len(literals))
	}

	datums := make([]types.Datum, len(literals))
	nulls := make([]bool, len(literals))
	for i, lit := range literals {
		if lit == "null" {
			nulls[i] = true
			continue
		}
		td, err := types.Describe(meta.ArgTypes[i], resolver)
		if err != nil {
			return nil, nil, err
		}
		d, err := datumFromLiteral(lit, td)
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		datums[i] = d
	}
	return datums, nulls, nil
}

func datumFromLiteral(lit string, td types.TypeDesc) (types.Datum, error) {
	switch td.Kind {
	case types.KindBool:
		return strconv.ParseBool(lit)
	case types.KindInt:
		return strconv.ParseInt(lit, 10, 64)
	case types.KindFloat:
		return strconv.ParseFloat(lit, 64)
	case types.KindNumeric:
		return decimal.NewFromString(lit)
	case types.KindText, types.KindJSON:
		return lit, nil
	case types.KindTimestamp:
		return time.Parse(time.RFC3339, lit)
	default:
		return nil, fmt.Errorf("cannot build a %s argument from a literal", td.Name)
	}
}

func printDatum(w io.Writer, res *engine.Result) error {
	if res.IsNull {
		fmt.Fprintln(w, "null")
		return nil
	}
	switch v := res.Value.(type) {
	case *types.Row:
		return printRow(w, v, nil)
	default:
		fmt.Fprintf(w, "%v\n", v)
	}
	return nil
}

func printRows(w io.Writer, sink *host.MemorySink) error {
	desc := sink.Desc()
	for _, row := range sink.Rows() {
		if err := printRow(w, row, desc); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "(%d rows)\n", sink.Len())
	return nil
}

func printRow(w io.Writer, row *types.Row, desc *types.RowDesc) error {
	out := make(map[string]interface{})
	for i := range row.Values {
		name := fmt.Sprintf("column%d", i+1)
		if desc != nil && i < len(desc.Columns) {
			name = desc.Columns[i].Name
		}
		if row.Nulls[i] {
			out[name] = nil
		} else if d, ok := row.Values[i].(decimal.Decimal); ok {
			out[name] = d.String()
		} else {
			out[name] = row.Values[i]
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `pljs - embedded JavaScript function runner with a SQLite-backed catalog

Usage:
  pljs [options] <command> [args]

Commands:
  install <name> <file.js>   Install a function from a source file ("-" for stdin)
  call <name> [arg...]       Invoke a function with literal arguments ("null" for NULL)
  eval <file.js|->           Compile and run anonymous code with no arguments
  validate <name>            Compile a function under validation rules

Install Options:
  --arg-types <list>       Comma-separated argument types (e.g. int4,text)
  --arg-names <list>       Comma-separated argument names
  --ret <type>             Return type (default: json)
  --set                    Function returns a set of rows
  --owner <name>           Function owner (default: postgres)
  --replace                Replace an existing function of the same name
  --validate               Validate the function after installing

Runtime Options:
  --principal <name>       Security principal for calls (default: postgres)
  --catalog <path>         Catalog database path (file path or :memory:)
  --module-dir <path>      Directory of .js modules preloaded into every context
  --start-proc <name>      Function run once in every new context

Logging:
  --log-level <level>      Log level: debug, info, warn, error
  --log-format <format>    Log format: text, json

General:
  -c, --config <file>      Configuration file path (YAML)
  -h, --help               Show help
  -v, --version            Show version

Examples:
  # Install and call a scalar function
  echo 'return a + b;' | pljs --arg-types int4,int4 --arg-names a,b --ret int4 \
      --catalog fns.db install add_two -
  pljs --catalog fns.db call add_two 1 2

  # Install a set-returning function
  pljs --catalog fns.db --ret json --set install gen gen.js

  # Run anonymous code
  echo 'pljs.elog(INFO, "hello");' | pljs eval -

Exit Codes:
  0  Success
  1  Runtime error
  2  CLI usage error
`)
}
