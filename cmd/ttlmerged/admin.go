package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dray-io/ttlmerge/internal/engine"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/replication"
	"github.com/dray-io/ttlmerge/internal/server"
)

// EnvAdminURL names the environment variable holding the admin API URL.
const EnvAdminURL = "TTLMERGE_ADMIN_URL"

type adminCmd struct {
	name  string
	usage string
	run   func(c *adminClient, fs *flag.FlagSet, args []string) error
}

var adminCmds = []adminCmd{
	{"tables", "List attached tables", cmdTables},
	{"create", "Create a table from a YAML file (-file)", cmdCreate},
	{"attach", "Attach an existing table to the replica", cmdAttach},
	{"status", "Show the TTL merge status of a table", cmdStatus},
	{"queue", "Show the pending replication entries of a table", cmdQueue},
	{"parts", "List the active parts of a table", cmdParts},
	{"insert", "Insert rows from a YAML file (-file) with a rows: list", cmdInsert},
	{"ttl", "Replace the TTL rules of a table from a YAML file (-file)", cmdDefineRules},
	{"optimize", "Force a merge pass", cmdOptimize},
	{"stop-merges", "Stop selecting TTL merges", toggleCmd("merges/stop")},
	{"start-merges", "Resume selecting TTL merges", toggleCmd("merges/start")},
	{"stop-fetches", "Stop fetching parts from other replicas", toggleCmd("fetches/stop")},
	{"start-fetches", "Resume fetching parts from other replicas", toggleCmd("fetches/start")},
	{"sync", "Wait until the replica has applied the log", cmdSync},
}

func printAdminUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: ttlmerged admin <command> [options]

Commands:`)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range adminCmds {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.usage)
	}
	tw.Flush()
	fmt.Fprintln(w, `
Every command takes -addr (default $`+EnvAdminURL+` or http://localhost:9092)
and -json to print the raw response.`)
}

// runAdmin executes one admin command and returns the exit code.
func runAdmin(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printAdminUsage(stdout)
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	for _, c := range adminCmds {
		if c.name != args[0] {
			continue
		}
		fs := flag.NewFlagSet("admin "+c.name, flag.ContinueOnError)
		fs.SetOutput(stderr)
		defaultAddr := os.Getenv(EnvAdminURL)
		if defaultAddr == "" {
			defaultAddr = "http://localhost:9092"
		}
		addr := fs.String("addr", defaultAddr, "Admin API base URL")
		raw := fs.Bool("json", false, "Print the raw JSON response")
		client := &adminClient{out: stdout, http: &http.Client{Timeout: 5 * time.Minute}}
		client.addr = addr
		client.raw = raw
		if err := c.run(client, fs, args[1:]); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stderr, "unknown admin command: %s\n\n", args[0])
	printAdminUsage(stderr)
	return 1
}

type adminClient struct {
	addr *string
	raw  *bool
	out  io.Writer
	http *http.Client
}

// apiError is a non-2xx admin API response.
type apiError struct {
	Status int
	Body   server.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.RequestID != "" {
		return fmt.Sprintf("%d: %s (request %s)", e.Status, e.Body.Error, e.Body.RequestID)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Body.Error)
}

// call sends body as JSON and decodes the response into out. With -json it
// prints the response instead and returns errPrinted.
func (c *adminClient) call(method, path string, body []byte, out any) (int, error) {
	req, err := http.NewRequest(method, strings.TrimRight(*c.addr, "/")+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, &apiErr.Body) != nil || apiErr.Body.Error == "" {
			apiErr.Body.Error = strings.TrimSpace(string(data))
		}
		return resp.StatusCode, apiErr
	}
	if *c.raw {
		var buf bytes.Buffer
		if json.Indent(&buf, data, "", "  ") == nil {
			data = buf.Bytes()
		}
		fmt.Fprintln(c.out, string(data))
		return resp.StatusCode, errPrinted
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// errPrinted reports that call already wrote the raw response.
var errPrinted = errors.New("printed")

func done(err error) error {
	if errors.Is(err, errPrinted) {
		return nil
	}
	return err
}

func tablePath(name, suffix string) string {
	p := "/admin/tables/" + url.PathEscape(name)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// yamlFileAsJSON reads a YAML document and re-encodes it as JSON.
func yamlFileAsJSON(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return json.Marshal(doc)
}

func parseTableFlags(fs *flag.FlagSet, args []string) (string, error) {
	name := fs.String("table", "", "Table name")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *name == "" {
		return "", errors.New("-table is required")
	}
	return *name, nil
}

func cmdTables(c *adminClient, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	var resp struct {
		Replica string   `json:"replica"`
		Tables  []string `json:"tables"`
	}
	if _, err := c.call(http.MethodGet, "/admin/tables", nil, &resp); err != nil {
		return done(err)
	}
	fmt.Fprintf(c.out, "replica %s\n", resp.Replica)
	for _, t := range resp.Tables {
		fmt.Fprintln(c.out, t)
	}
	return nil
}

func cmdCreate(c *adminClient, fs *flag.FlagSet, args []string) error {
	file := fs.String("file", "", "YAML file with table: and rules: sections")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body, err := yamlFileAsJSON(*file)
	if err != nil {
		return err
	}
	var def struct {
		Name string `json:"name"`
	}
	if _, err := c.call(http.MethodPost, "/admin/tables", body, &def); err != nil {
		return done(err)
	}
	fmt.Fprintf(c.out, "created table %s\n", def.Name)
	return nil
}

func cmdAttach(c *adminClient, fs *flag.FlagSet, args []string) error {
	name, err := parseTableFlags(fs, args)
	if err != nil {
		return err
	}
	if _, err := c.call(http.MethodPost, tablePath(name, "attach"), nil, nil); err != nil {
		return done(err)
	}
	fmt.Fprintf(c.out, "attached table %s\n", name)
	return nil
}

func cmdStatus(c *adminClient, fs *flag.FlagSet, args []string) error {
	name, err := parseTableFlags(fs, args)
	if err != nil {
		return err
	}
	var st engine.Status
	if _, err := c.call(http.MethodGet, tablePath(name, "status"), nil, &st); err != nil {
		return done(err)
	}
	printStatus(c.out, &st)
	return nil
}

func printStatus(w io.Writer, st *engine.Status) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	lastEval := "never"
	if !st.LastEvaluationTime.IsZero() {
		lastEval = st.LastEvaluationTime.Format(time.RFC3339)
	}
	fmt.Fprintf(tw, "Table:\t%s\n", st.Table)
	fmt.Fprintf(tw, "Leader:\t%t\n", st.Leader)
	fmt.Fprintf(tw, "Rules version:\t%d\n", st.RulesVersion)
	fmt.Fprintf(tw, "Active parts:\t%d\n", st.ActivePartsCount)
	fmt.Fprintf(tw, "Active rows:\t%d\n", st.ActiveRows)
	fmt.Fprintf(tw, "Pending TTL entries:\t%d\n", st.PendingTTLEntries)
	fmt.Fprintf(tw, "Queue size:\t%d\n", st.QueueSize)
	fmt.Fprintf(tw, "Applied:\t%d / %d\n", st.Acked, st.Head)
	fmt.Fprintf(tw, "Last TTL evaluation:\t%s\n", lastEval)
	fmt.Fprintf(tw, "Merges stopped:\t%t\n", st.MergesStopped)
	fmt.Fprintf(tw, "Fetches stopped:\t%t\n", st.FetchesStopped)
	tw.Flush()
	if len(st.Stalled) > 0 {
		fmt.Fprintln(w, "\nStalled entries:")
		printQueue(w, st.Stalled)
	}
}

func cmdQueue(c *adminClient, fs *flag.FlagSet, args []string) error {
	name, err := parseTableFlags(fs, args)
	if err != nil {
		return err
	}
	var entries []replication.EntryStatus
	if _, err := c.call(http.MethodGet, tablePath(name, "queue"), nil, &entries); err != nil {
		return done(err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "queue is empty")
		return nil
	}
	printQueue(c.out, entries)
	return nil
}

func printQueue(w io.Writer, entries []replication.EntryStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKIND\tPRODUCES\tSTATE\tTTL\tATTEMPTS\tLAST ERROR")
	for _, e := range entries {
		state := fmt.Sprint(e.State)
		if e.Stalled {
			state += " (stalled)"
		} else if e.Blocked {
			state += " (blocked)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%d\t%s\n", e.Seq, e.Kind, e.Produces, state, e.TTL, e.Attempts, e.LastError)
	}
	tw.Flush()
}

func cmdParts(c *adminClient, fs *flag.FlagSet, args []string) error {
	name, err := parseTableFlags(fs, args)
	if err != nil {
		return err
	}
	var parts []part.Meta
	if _, err := c.call(http.MethodGet, tablePath(name, "parts"), nil, &parts); err != nil {
		return done(err)
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPARTITION\tROWS\tBYTES\tRULES\tCREATED")
	for _, m := range parts {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", m.Name, m.Partition, m.Rows, m.Bytes, m.RulesVersion, m.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
	return nil
}

func cmdInsert(c *adminClient, fs *flag.FlagSet, args []string) error {
	file := fs.String("file", "", "YAML file with a rows: list of value lists")
	name, err := parseTableFlags(fs, args)
	if err != nil {
		return err
	}
	body, err := yamlFileAsJSON(*file)
	if err != nil {
		return err
	}
	var resp server.InsertResponse
	if _, err := c.call(http.MethodPost, tablePath(name, "rows"), body, &resp); err != nil {
		return done(err)
	}
	fmt.Fprintf(c.out, "inserted %s\n", strings.Join(resp.Parts, ", "))
	return nil
}

func cmdDefineRules(c *adminClient, fs *flag.FlagSet, args []string) error {
	file := fs.String("file", "", "YAML file with a rules: list")
	name, err := parseTableFlags(fs, args)
	if err != nil {
		return err
	}
	body, err := yamlFileAsJSON(*file)
	if err != nil {
		return err
	}
	var resp server.DefineRulesResponse
	if _, err := c.call(http.MethodPut, tablePath(name, "ttl"), body, &resp); err != nil {
		return done(err)
	}
	fmt.Fprintf(c.out, "table %s now at rules version %d\n", name, resp.Version)
	return nil
}

func cmdOptimize(c *adminClient, fs *flag.FlagSet, args []string) error {
	partition := fs.String("partition", "", "Limit the pass to one partition ID")
	final := fs.Bool("final", false, "Also rewrite partitions that are a single part")
	strict := fs.Bool("throw-if-noop", false, "Fail when nothing was merged")
	name, err := parseTableFlags(fs, args)
	if err != nil {
		return err
	}
	body, err := json.Marshal(engine.OptimizeRequest{Partition: *partition, Final: *final, ThrowIfNoop: *strict})
	if err != nil {
		return err
	}
	var resp server.OptimizeResponse
	code, err := c.call(http.MethodPost, tablePath(name, "optimize"), body, &resp)
	if err != nil {
		return done(err)
	}
	switch {
	case code == http.StatusAccepted:
		fmt.Fprintf(c.out, "optimize %s not completed yet, will retry in background\n", resp.RequestID)
	case len(resp.Seqs) == 0:
		fmt.Fprintf(c.out, "optimize %s: nothing to merge\n", resp.RequestID)
	default:
		fmt.Fprintf(c.out, "optimize %s: applied %d merge(s)\n", resp.RequestID, len(resp.Seqs))
	}
	return nil
}

func toggleCmd(suffix string) func(*adminClient, *flag.FlagSet, []string) error {
	return func(c *adminClient, fs *flag.FlagSet, args []string) error {
		name, err := parseTableFlags(fs, args)
		if err != nil {
			return err
		}
		var st engine.Status
		if _, err := c.call(http.MethodPost, tablePath(name, suffix), nil, &st); err != nil {
			return done(err)
		}
		fmt.Fprintf(c.out, "table %s: merges stopped %t, fetches stopped %t\n", name, st.MergesStopped, st.FetchesStopped)
		return nil
	}
}

func cmdSync(c *adminClient, fs *flag.FlagSet, args []string) error {
	timeout := fs.Duration("timeout", time.Minute, "Give up after this long")
	name, err := parseTableFlags(fs, args)
	if err != nil {
		return err
	}
	var st engine.Status
	path := tablePath(name, "sync") + "?timeout=" + url.QueryEscape(timeout.String())
	if _, err := c.call(http.MethodPost, path, nil, &st); err != nil {
		return done(err)
	}
	fmt.Fprintf(c.out, "table %s synced: applied %d / %d\n", name, st.Acked, st.Head)
	return nil
}
