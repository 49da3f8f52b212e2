// Shelterbase - validated, cached access to animal shelter records.
//
// Records live in MongoDB or as JSON objects on disk, S3, MinIO or GCS.
// Every write is checked against the animal schema before it reaches the
// store, and reads are served from a cache that never outlives a write.
package main

import (
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/adrianmcphee/shelterbase"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		printHelp(errOut)
		return 2
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return cmdServe(out, errOut, rest)
	case "ping":
		return cmdPing(out, errOut, rest)
	case "indexes":
		return cmdIndexes(out, errOut, rest)
	case "read":
		return cmdRead(out, errOut, rest)
	case "top-breeds":
		return cmdTopBreeds(out, errOut, rest)
	case "help", "--help", "-h":
		printHelp(out)
		return 0
	default:
		fmt.Fprintf(errOut, "error: unknown command %q\n\n", cmd)
		printHelp(errOut)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, `Shelterbase - validated, cached access to animal shelter records

Usage:
  shelterbase serve [flags]        Serve the dashboard API over HTTP
  shelterbase ping [flags]         Check that the store is reachable
  shelterbase indexes [flags]      Declare the standard indexes and list them
  shelterbase read [flags]         Print matching records as JSON lines
  shelterbase top-breeds [flags]   Print the most frequent breeds

Store flags (override MONGO_URI, MONGO_DB, MONGO_COLL, LOG_LEVEL, ...):
  --uri string          Store URI (mongodb://, file://, s3://, minio://, gs://)
  --db string           Database or key prefix
  --collection string   Collection name
  --log-level string    debug, info, warn or error
  --timeout duration    Per-operation store timeout
  --no-cache            Disable the read cache
  --apply-validator     Install the schema validator in the store`)
}

// storeFlags holds the configuration shared by every command. Values start
// from the environment so unset flags keep the env configuration.
type storeFlags struct {
	cfg     shelterbase.Config
	noCache bool
}

func newStoreFlags(fs *flag.FlagSet) *storeFlags {
	sf := &storeFlags{cfg: shelterbase.ConfigFromEnv()}
	sf.noCache = !sf.cfg.CacheEnabled
	fs.StringVar(&sf.cfg.StoreURI, "uri", sf.cfg.StoreURI, "Store URI")
	fs.StringVar(&sf.cfg.Database, "db", sf.cfg.Database, "Database or key prefix")
	fs.StringVar(&sf.cfg.Collection, "collection", sf.cfg.Collection, "Collection name")
	fs.StringVar(&sf.cfg.LogLevel, "log-level", sf.cfg.LogLevel, "Log level")
	fs.DurationVar(&sf.cfg.OperationTimeout, "timeout", sf.cfg.OperationTimeout, "Per-operation store timeout")
	fs.BoolVar(&sf.cfg.ApplyValidator, "apply-validator", sf.cfg.ApplyValidator, "Install the schema validator in the store")
	fs.BoolVar(&sf.noCache, "no-cache", sf.noCache, "Disable the read cache")
	return sf
}

func (sf *storeFlags) config() shelterbase.Config {
	cfg := sf.cfg
	cfg.CacheEnabled = !sf.noCache
	return cfg
}

func parseFlags(fs *flag.FlagSet, errOut io.Writer, args []string) bool {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return false
	}
	return true
}
