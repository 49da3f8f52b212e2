package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/adrianmcphee/shelterbase"
	"github.com/adrianmcphee/shelterbase/internal/app"
	"github.com/adrianmcphee/shelterbase/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func cmdServe(out, errOut io.Writer, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	sf := newStoreFlags(fs)
	addr := fs.String("addr", ":8080", "HTTP listen address")
	if !parseFlags(fs, errOut, args) {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, sf.config())
	if a == nil || app.IsStartupFatal(err) {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer a.Close(context.Background())

	srv := &http.Server{
		Addr: *addr,
		Handler: httpapi.NewRouter(httpapi.Options{
			Gateway:  a.Gateway,
			Logger:   a.Logger,
			Gatherer: a.Registry,
			Profiler: a.Profiler,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.Logger.Info("http server listening", "addr", *addr, "state", a.Gateway.State().String())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("http server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("http shutdown incomplete", "error", err)
	}
	a.Profiler.LogSummary(a.Logger)
	return 0
}

// open builds the app for one-shot commands, which fail on any startup error.
func open(ctx context.Context, errOut io.Writer, cfg shelterbase.Config) (*app.App, bool) {
	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		if a != nil {
			_ = a.Close(ctx)
		}
		return nil, false
	}
	return a, true
}

func cmdPing(out, errOut io.Writer, args []string) int {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	sf := newStoreFlags(fs)
	if !parseFlags(fs, errOut, args) {
		return 2
	}

	ctx := context.Background()
	a, ok := open(ctx, errOut, sf.config())
	if !ok {
		return 1
	}
	defer a.Close(ctx)

	fmt.Fprintf(out, "%s %s/%s\n", a.Gateway.State(), a.Config.Database, a.Config.Collection)
	return 0
}

func cmdIndexes(out, errOut io.Writer, args []string) int {
	fs := flag.NewFlagSet("indexes", flag.ContinueOnError)
	sf := newStoreFlags(fs)
	if !parseFlags(fs, errOut, args) {
		return 2
	}

	ctx := context.Background()
	a, ok := open(ctx, errOut, sf.config())
	if !ok {
		return 1
	}
	defer a.Close(ctx)

	im := a.Gateway.Indexes()
	if im.Degraded() {
		fmt.Fprintln(errOut, "warning: indexes not ensured; queries will run unindexed")
	}
	ensured := toSet(im.Ensured())
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tFIELDS\tSTATUS")
	for _, spec := range im.Specs() {
		status := "missing"
		if _, ok := ensured[spec.IndexName()]; ok {
			status = "ok"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", spec.IndexName(), strings.Join(spec.Fields(), ","), status)
	}
	_ = tw.Flush()
	return 0
}

func cmdRead(out, errOut io.Writer, args []string) int {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	sf := newStoreFlags(fs)
	filter := fs.String("filter", "", `Filter document, e.g. '{"species":"Dog"}'`)
	fields := fs.StringSlice("fields", nil, "Fields to return (plus _id)")
	limit := fs.Int("limit", 0, "Maximum records (0 for the page size)")
	offset := fs.Int("offset", 0, "Skip the first N records")
	after := fs.String("after", "", "Resume after this _id")
	if !parseFlags(fs, errOut, args) {
		return 2
	}

	f, err := parseFilterFlag(*filter)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}

	ctx := context.Background()
	a, ok := open(ctx, errOut, sf.config())
	if !ok {
		return 1
	}
	defer a.Close(ctx)

	q := shelterbase.NewQuery(f).WithPage(shelterbase.Pagination{Offset: *offset, Limit: *limit, After: *after})
	if len(*fields) > 0 {
		q = q.WithProjection(*fields...)
	}
	docs, err := a.Gateway.Read(ctx, q)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	enc := json.NewEncoder(out)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
	}
	return 0
}

func cmdTopBreeds(out, errOut io.Writer, args []string) int {
	fs := flag.NewFlagSet("top-breeds", flag.ContinueOnError)
	sf := newStoreFlags(fs)
	filter := fs.String("filter", "", "Filter document applied before ranking")
	k := fs.Int("k", 5, "Number of breeds")
	if !parseFlags(fs, errOut, args) {
		return 2
	}

	f, err := parseFilterFlag(*filter)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}

	ctx := context.Background()
	a, ok := open(ctx, errOut, sf.config())
	if !ok {
		return 1
	}
	defer a.Close(ctx)

	breeds, err := a.Gateway.TopBreeds(ctx, f, *k)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BREED\tCOUNT")
	for _, b := range breeds {
		fmt.Fprintf(tw, "%s\t%d\n", b.Breed, b.Count)
	}
	_ = tw.Flush()
	return 0
}

func parseFilterFlag(s string) (shelterbase.Filter, error) {
	if s == "" {
		return shelterbase.Filter{}, nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return shelterbase.Filter{}, fmt.Errorf("--filter is not a JSON object: %w", err)
	}
	return shelterbase.ParseFilter(raw)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}
