// Command interop drives a DAP aggregator pair through its test-only
// control surface: provisioning, uploads, aggregation sweeps and
// collection.
//
// # Commands
//
// run: Execute the full pipeline once and print the decoded aggregate.
//
//	daphne run --config=run.yaml
//
// upload: Submit measurements for an already provisioned task.
//
//	daphne upload --task-id=8TuT5Z5fAuutsX9DZWSqkUw6pzDl96d3tdsDJgWH2VY --value=42 --count=2
//
// collect: Open a collection job, wait it out, decode the result.
//
//	daphne collect --task-id=8TuT... --collector-config=collector.json
//
// decode: Decode a collection saved by collect, offline.
//
//	daphne decode --collection=collection.json --collector-config=collector.json --expect=2
//
// status: Show recorded runs from the configured store.
//
//	daphne status --config=run.yaml --run=<run-id>
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thibmeu/daphne/client"
	"github.com/thibmeu/daphne/cmd/common"
	"github.com/thibmeu/daphne/dap"
	"github.com/thibmeu/daphne/hpke"
	"github.com/thibmeu/daphne/interop"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runRun(args)
	case "reset":
		err = runReset(args)
	case "ready":
		err = runReady(args)
	case "provision":
		err = runProvision(args)
	case "gen-task":
		err = runGenTask(args)
	case "upload":
		err = runUpload(args)
	case "trigger":
		err = runTrigger(args)
	case "collect":
		err = runCollect(args)
	case "decode":
		err = runDecode(args)
	case "status":
		err = runStatus(args)
	case "keygen":
		err = runKeygen(args)
	case "version":
		fmt.Println(common.VersionString())
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`daphne - DAP interop test harness

Usage:
  daphne <command> [options]

Commands:
  run        Run the full pipeline: provision, upload, aggregate, collect
  reset      Wipe all task and report state on both aggregators
  ready      Wait until both aggregators answer their readiness probe
  provision  Publish HPKE configs and register the task
  gen-task   Emit both roles' task descriptor JSON without registering
  upload     Submit measurements for a provisioned task
  trigger    Nudge the leader to run an aggregation sweep
  collect    Open a collection job, wait for it, decode the result
  decode     Decode a saved collection offline
  status     Show recorded runs
  keygen     Generate a collector HPKE key file
  version    Print the build version

Run 'daphne <command> --help' for command-specific options.`)
}

// overrides are the flag values that win over the run file.
type overrides struct {
	leader        string
	helper        string
	taskID        string
	collectorFile string
}

// --- Run Command ---

func runRun(args []string) error {
	var (
		configPath  string
		o           overrides
		measurement uint64
		valueSet    bool
		reports     int
		triggers    int
		logLevel    string
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			i++
			if i < len(args) {
				configPath = args[i]
			}
		case "--leader":
			i++
			if i < len(args) {
				o.leader = args[i]
			}
		case "--helper":
			i++
			if i < len(args) {
				o.helper = args[i]
			}
		case "--task-id":
			i++
			if i < len(args) {
				o.taskID = args[i]
			}
		case "--collector-config":
			i++
			if i < len(args) {
				o.collectorFile = args[i]
			}
		case "--value", "-v":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &measurement)
				valueSet = true
			}
		case "--reports":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &reports)
			}
		case "--triggers":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &triggers)
			}
		case "--log-level":
			i++
			if i < len(args) {
				logLevel = args[i]
			}
		case "--help", "-h":
			printRunHelp()
			return nil
		}
	}

	file, err := loadRunFile(configPath, o)
	if err != nil {
		return err
	}
	if valueSet {
		file.Measurement = measurement
	}
	if reports > 0 {
		file.MinReportCount = reports
	}
	if triggers > 0 {
		file.TriggerRounds = triggers
	}

	opts, err := newOptions(logLevel)
	if err != nil {
		return err
	}

	store, err := common.OpenRunStore(file)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res, runErr := interop.NewSequencer(file.Config, opts, store).Run(ctx)
	if err := printJSON(res); err != nil {
		return err
	}
	return runErr
}

func printRunHelp() {
	fmt.Println(`daphne run - Run the full pipeline once

Resets both aggregators, provisions the task, uploads the measurements,
nudges aggregation, then collects and decodes the aggregate. The run
result is printed as JSON; with a postgres section in the run file the
run and its step trail are recorded there too.

Usage:
  daphne run [--config=<file>] [options]

Options:
  --config, -c          YAML run file (defaults apply without one)
  --leader              Leader base URL including the version path
  --helper              Helper base URL including the version path
  --task-id             Pin the task ID instead of drawing a fresh one
  --collector-config    File to persist the collector HPKE key in
  --value, -v           Measurement each upload carries
  --reports             Reports to upload before collecting
  --triggers            Aggregation sweeps the run may request
  --log-level           debug, info, warn or error (default: info)

Examples:
  daphne run
  daphne run -c run.yaml --reports=2 --triggers=2`)
}

// --- Reset Command ---

func runReset(args []string) error {
	var (
		configPath string
		o          overrides
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			i++
			if i < len(args) {
				configPath = args[i]
			}
		case "--leader":
			i++
			if i < len(args) {
				o.leader = args[i]
			}
		case "--helper":
			i++
			if i < len(args) {
				o.helper = args[i]
			}
		case "--help", "-h":
			printResetHelp()
			return nil
		}
	}

	file, err := loadRunFile(configPath, o)
	if err != nil {
		return err
	}
	opts, err := newOptions("")
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return interop.NewProvisioner(file.Config, opts).Reset(ctx)
}

func printResetHelp() {
	fmt.Println(`daphne reset - Wipe all state on both aggregators

Destructive: every task, report and collection job on the pair is gone
afterwards. Only aggregators exposing the test-only control surface
accept it.

Usage:
  daphne reset [--config=<file>] [--leader=<url>] [--helper=<url>]`)
}

// --- Ready Command ---

func runReady(args []string) error {
	var (
		configPath string
		o          overrides
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			i++
			if i < len(args) {
				configPath = args[i]
			}
		case "--leader":
			i++
			if i < len(args) {
				o.leader = args[i]
			}
		case "--helper":
			i++
			if i < len(args) {
				o.helper = args[i]
			}
		case "--help", "-h":
			printReadyHelp()
			return nil
		}
	}

	file, err := loadRunFile(configPath, o)
	if err != nil {
		return err
	}
	opts, err := newOptions("")
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := interop.NewProvisioner(file.Config, opts).WaitReady(ctx); err != nil {
		return err
	}
	fmt.Println("Both aggregators ready")
	return nil
}

func printReadyHelp() {
	fmt.Println(`daphne ready - Wait until both aggregators answer their readiness probe

Transport failures are retried until the run file's ready_timeout; any
other refusal surfaces immediately.

Usage:
  daphne ready [--config=<file>] [--leader=<url>] [--helper=<url>]`)
}

// --- Provision Command ---

// TaskOutput summarizes a provisioned task for JSON output. Credentials
// and the VDAF verify key stay out of it.
type TaskOutput struct {
	TaskID        string `json:"task_id"`
	Leader        string `json:"leader"`
	Helper        string `json:"helper"`
	VdafType      string `json:"vdaf_type"`
	VdafBits      string `json:"vdaf_bits"`
	QueryType     int    `json:"query_type"`
	MinBatchSize  uint64 `json:"min_batch_size"`
	MaxBatchSize  uint64 `json:"max_batch_size,omitempty"`
	TimePrecision uint64 `json:"time_precision"`
	Expires       string `json:"expires"`
}

func runProvision(args []string) error {
	var (
		configPath string
		o          overrides
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			i++
			if i < len(args) {
				configPath = args[i]
			}
		case "--leader":
			i++
			if i < len(args) {
				o.leader = args[i]
			}
		case "--helper":
			i++
			if i < len(args) {
				o.helper = args[i]
			}
		case "--task-id":
			i++
			if i < len(args) {
				o.taskID = args[i]
			}
		case "--collector-config":
			i++
			if i < len(args) {
				o.collectorFile = args[i]
			}
		case "--help", "-h":
			printProvisionHelp()
			return nil
		}
	}

	file, err := loadRunFile(configPath, o)
	if err != nil {
		return err
	}
	if file.CollectorConfigFile == "" {
		fmt.Fprintln(os.Stderr, "Warning: no --collector-config file; the collector key dies with this process and a later 'daphne collect' cannot decode")
	}
	opts, err := newOptions("")
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	task, err := interop.NewProvisioner(file.Config, opts).Provision(ctx)
	if err != nil {
		return err
	}

	return printJSON(TaskOutput{
		TaskID:        task.TaskID.String(),
		Leader:        task.Leader,
		Helper:        task.Helper,
		VdafType:      task.Vdaf.Type,
		VdafBits:      task.Vdaf.Bits,
		QueryType:     int(task.QueryType),
		MinBatchSize:  task.MinBatchSize,
		MaxBatchSize:  task.MaxBatchSize,
		TimePrecision: uint64(task.TimePrecision),
		Expires:       time.Unix(int64(task.TaskExpiration), 0).UTC().Format(time.RFC3339),
	})
}

func printProvisionHelp() {
	fmt.Println(`daphne provision - Publish HPKE configs and register the task

Unlike 'daphne run' this does not reset the aggregators first.
Re-provisioning the same task ID republishes identical state, so the
command is safe to repeat.

Usage:
  daphne provision [--config=<file>] [options]

Options:
  --config, -c          YAML run file
  --leader              Leader base URL including the version path
  --helper              Helper base URL including the version path
  --task-id             Pin the task ID instead of drawing a fresh one
  --collector-config    File to persist the collector HPKE key in

Example:
  daphne provision --task-id=8TuT5Z5fAuutsX9DZWSqkUw6pzDl96d3tdsDJgWH2VY --collector-config=collector.json`)
}

// --- Gen-Task Command ---

func runGenTask(args []string) error {
	var (
		configPath string
		o          overrides
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			i++
			if i < len(args) {
				configPath = args[i]
			}
		case "--leader":
			i++
			if i < len(args) {
				o.leader = args[i]
			}
		case "--helper":
			i++
			if i < len(args) {
				o.helper = args[i]
			}
		case "--task-id":
			i++
			if i < len(args) {
				o.taskID = args[i]
			}
		case "--collector-config":
			i++
			if i < len(args) {
				o.collectorFile = args[i]
			}
		case "--help", "-h":
			printGenTaskHelp()
			return nil
		}
	}

	file, err := loadRunFile(configPath, o)
	if err != nil {
		return err
	}
	if file.CollectorConfigFile == "" {
		fmt.Fprintln(os.Stderr, "Warning: no --collector-config file; the embedded collector config's private key dies with this process")
	}
	opts, err := newOptions("")
	if err != nil {
		return err
	}

	task, err := interop.NewProvisioner(file.Config, opts).Task()
	if err != nil {
		return err
	}

	return printJSON(struct {
		Leader *dap.TaskDescriptor `json:"leader"`
		Helper *dap.TaskDescriptor `json:"helper"`
	}{task, task.HelperView()})
}

func printGenTaskHelp() {
	fmt.Println(`daphne gen-task - Emit both roles' task descriptor JSON

Builds the same descriptors 'daphne provision' would register, without
contacting either aggregator. The leader view carries the collector
credentials; the helper view never does. Post each view to the matching
aggregator's add_task route to register by hand.

Usage:
  daphne gen-task [--config=<file>] [options]

Options:
  --config, -c          YAML run file
  --leader              Leader base URL including the version path
  --helper              Helper base URL including the version path
  --task-id             Pin the task ID instead of drawing a fresh one
  --collector-config    File to persist the collector HPKE key in

Example:
  daphne gen-task --collector-config=collector.json > task.json`)
}

// --- Upload Command ---

func runUpload(args []string) error {
	var (
		configPath  string
		o           overrides
		measurement uint64
		valueSet    bool
		count       int
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			i++
			if i < len(args) {
				configPath = args[i]
			}
		case "--leader":
			i++
			if i < len(args) {
				o.leader = args[i]
			}
		case "--helper":
			i++
			if i < len(args) {
				o.helper = args[i]
			}
		case "--task-id":
			i++
			if i < len(args) {
				o.taskID = args[i]
			}
		case "--value", "-v":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &measurement)
				valueSet = true
			}
		case "--count", "-n":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &count)
			}
		case "--help", "-h":
			printUploadHelp()
			return nil
		}
	}

	file, err := loadRunFile(configPath, o)
	if err != nil {
		return err
	}
	if file.TaskID == "" {
		return fmt.Errorf("--task-id is required: uploads must target the provisioned task")
	}
	if valueSet {
		file.Measurement = measurement
	}
	if count == 0 {
		count = 1
	}

	opts, err := newOptions("")
	if err != nil {
		return err
	}

	task, err := interop.NewProvisioner(file.Config, opts).Task()
	if err != nil {
		return err
	}

	c := client.New(client.Config{
		Timeout: file.RequestTimeout.Std(),
		Log:     opts.Log,
	})

	ctx, cancel := signalContext()
	defer cancel()

	for i := 0; i < count; i++ {
		reportID, err := c.Upload(ctx, task, file.Measurement)
		if err != nil {
			return fmt.Errorf("upload %d of %d: %w", i+1, count, err)
		}
		fmt.Printf("Uploaded report %s\n", reportID.String())
	}
	return nil
}

func printUploadHelp() {
	fmt.Println(`daphne upload - Submit measurements for a provisioned task

Each upload builds a fresh report: new report ID, new timestamp, new
shares. Any refusal by the leader is reported, never swallowed.

Usage:
  daphne upload --task-id=<id> [options]

Options:
  --config, -c          YAML run file
  --leader              Leader base URL including the version path
  --helper              Helper base URL including the version path
  --task-id             Task to upload for (required)
  --value, -v           Measurement to upload (default: run file's)
  --count, -n           How many reports to upload (default: 1)

Example:
  daphne upload --task-id=8TuT5Z5fAuutsX9DZWSqkUw6pzDl96d3tdsDJgWH2VY -v 42 -n 2`)
}

// --- Trigger Command ---

func runTrigger(args []string) error {
	var (
		configPath string
		o          overrides
		times      int
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			i++
			if i < len(args) {
				configPath = args[i]
			}
		case "--leader":
			i++
			if i < len(args) {
				o.leader = args[i]
			}
		case "--helper":
			i++
			if i < len(args) {
				o.helper = args[i]
			}
		case "--times":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &times)
			}
		case "--help", "-h":
			printTriggerHelp()
			return nil
		}
	}

	file, err := loadRunFile(configPath, o)
	if err != nil {
		return err
	}
	if times == 0 {
		times = 1
	}

	opts, err := newOptions("")
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	trg := interop.NewTrigger(file.Config, opts)
	var total interop.SweepTelemetry
	for i := 0; i < times; i++ {
		tel, err := trg.Trigger(ctx)
		if err != nil {
			return err
		}
		total.ReportsSwept += tel.ReportsSwept
		total.JobsResolved += tel.JobsResolved
	}
	return printJSON(total)
}

func printTriggerHelp() {
	fmt.Println(`daphne trigger - Nudge the leader to run an aggregation sweep

The nudge is idempotent: a sweep with nothing to do is a no-op, so
triggering more often than needed is harmless.

Usage:
  daphne trigger [--config=<file>] [--leader=<url>] [--times=<n>]

Example:
  daphne trigger --times=2`)
}

// --- Collect Command ---

func runCollect(args []string) error {
	var (
		configPath string
		o          overrides
		expect     int
		savePath   string
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			i++
			if i < len(args) {
				configPath = args[i]
			}
		case "--leader":
			i++
			if i < len(args) {
				o.leader = args[i]
			}
		case "--helper":
			i++
			if i < len(args) {
				o.helper = args[i]
			}
		case "--task-id":
			i++
			if i < len(args) {
				o.taskID = args[i]
			}
		case "--collector-config":
			i++
			if i < len(args) {
				o.collectorFile = args[i]
			}
		case "--expect":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &expect)
			}
		case "--save-collection":
			i++
			if i < len(args) {
				savePath = args[i]
			}
		case "--help", "-h":
			printCollectHelp()
			return nil
		}
	}

	file, err := loadRunFile(configPath, o)
	if err != nil {
		return err
	}
	if file.TaskID == "" {
		return fmt.Errorf("--task-id is required: collection must target the provisioned task")
	}
	if file.CollectorConfigFile == "" {
		return fmt.Errorf("--collector-config is required: without the collector's private key the aggregate shares cannot be opened")
	}

	opts, err := newOptions("")
	if err != nil {
		return err
	}

	prov := interop.NewProvisioner(file.Config, opts)
	task, err := prov.Task()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	driver := interop.NewCollectDriver(file.Config, opts, task)
	query, err := buildQuery(ctx, driver, task)
	if err != nil {
		return err
	}
	if err := driver.Create(ctx, query); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Collection job: %s\n", driver.JobURL())

	coll, err := driver.Wait(ctx)
	if err != nil {
		return err
	}
	if savePath != "" {
		if err := saveCollection(savePath, task.TaskID, query, coll); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Saved collection to %s\n", savePath)
	}

	rc, err := prov.CollectorConfig()
	if err != nil {
		return err
	}
	res, err := interop.Decode(coll, task, rc, query, uint64(expect))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func printCollectHelp() {
	fmt.Println(`daphne collect - Open a collection job, wait for it, decode the result

The collector key file must be the one 'daphne provision' wrote for
this task; the task's collector HPKE config is derived from it.

Usage:
  daphne collect --task-id=<id> --collector-config=<file> [options]

Options:
  --config, -c          YAML run file
  --leader              Leader base URL including the version path
  --helper              Helper base URL including the version path
  --task-id             Task to collect (required)
  --collector-config    Collector HPKE key file (required)
  --expect              Report count the collection must carry (0 skips the check)
  --save-collection     Also write the raw collection and its query to a file

Example:
  daphne collect --task-id=8TuT... --collector-config=collector.json --expect=2`)
}

// buildQuery phrases the collection query for the task's batching mode,
// the same way a full run does: fixed-size tasks ask the leader which
// batch it is filling, time-interval tasks take a window around now.
func buildQuery(ctx context.Context, driver *interop.CollectDriver, task *dap.TaskDescriptor) (dap.Query, error) {
	switch task.QueryType {
	case dap.QueryTypeFixedSize:
		id, err := driver.CurrentBatch(ctx)
		if err != nil {
			return dap.Query{}, err
		}
		return dap.FixedSizeQuery(id), nil
	case dap.QueryTypeTimeInterval:
		precision := task.TimePrecision
		start := dap.Time(time.Now().Unix()).Truncate(precision)
		if start >= dap.Time(precision) {
			start -= dap.Time(precision)
		}
		return dap.TimeIntervalQuery(dap.Interval{Start: start, Duration: 3 * precision}), nil
	default:
		return dap.Query{}, fmt.Errorf("task has unsupported query type %d", task.QueryType)
	}
}

// --- Decode Command ---

func runDecode(args []string) error {
	var (
		configPath     string
		o              overrides
		collectionPath string
		vdafType       string
		vdafBits       string
		expect         int
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			i++
			if i < len(args) {
				configPath = args[i]
			}
		case "--collection":
			i++
			if i < len(args) {
				collectionPath = args[i]
			}
		case "--task-id":
			i++
			if i < len(args) {
				o.taskID = args[i]
			}
		case "--collector-config":
			i++
			if i < len(args) {
				o.collectorFile = args[i]
			}
		case "--vdaf-type":
			i++
			if i < len(args) {
				vdafType = args[i]
			}
		case "--vdaf-bits":
			i++
			if i < len(args) {
				vdafBits = args[i]
			}
		case "--expect":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &expect)
			}
		case "--help", "-h":
			printDecodeHelp()
			return nil
		}
	}

	if collectionPath == "" {
		return fmt.Errorf("--collection is required: decode reads a collection saved by 'daphne collect'")
	}
	file, err := loadRunFile(configPath, o)
	if err != nil {
		return err
	}
	if file.CollectorConfigFile == "" {
		return fmt.Errorf("--collector-config is required: without the collector's private key the aggregate shares cannot be opened")
	}
	if vdafType != "" {
		file.VdafType = vdafType
	}
	if vdafBits != "" {
		file.VdafBits = vdafBits
	}

	cf, coll, err := loadCollection(collectionPath)
	if err != nil {
		return err
	}
	taskID := cf.TaskID
	if file.TaskID != "" {
		override, err := dap.ParseTaskID(file.TaskID)
		if err != nil {
			return err
		}
		taskID = override
	}

	rc, err := hpke.ReadFile(file.CollectorConfigFile)
	if err != nil {
		return err
	}

	task := &dap.TaskDescriptor{
		TaskID: taskID,
		Vdaf:   dap.VdafSpec{Type: file.VdafType, Bits: file.VdafBits},
	}
	res, err := interop.Decode(coll, task, rc, cf.Query, uint64(expect))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func printDecodeHelp() {
	fmt.Println(`daphne decode - Decode a saved collection offline

Reads a collection saved by 'daphne collect --save-collection', opens
both aggregate shares with the collector's private key and prints the
decoded aggregate. The VDAF parameters must be the ones the task was
provisioned with; a mismatched bit width fails instead of producing a
wrong number.

Usage:
  daphne decode --collection=<file> --collector-config=<file> [options]

Options:
  --config, -c          YAML run file
  --collection          Saved collection file (required)
  --collector-config    Collector HPKE key file (required)
  --task-id             Override the task ID stored in the collection file
  --vdaf-type           VDAF type (default: run file's)
  --vdaf-bits           VDAF bit width (default: run file's)
  --expect              Report count the collection must carry (0 skips the check)

Example:
  daphne decode --collection=collection.json --collector-config=collector.json --expect=2`)
}

// --- Status Command ---

func runStatus(args []string) error {
	var (
		configPath string
		runID      string
		limit      int
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			i++
			if i < len(args) {
				configPath = args[i]
			}
		case "--run":
			i++
			if i < len(args) {
				runID = args[i]
			}
		case "--limit":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &limit)
			}
		case "--help", "-h":
			printStatusHelp()
			return nil
		}
	}

	file, err := common.LoadRunFile(configPath)
	if err != nil {
		return err
	}
	if file.Postgres == nil {
		return fmt.Errorf("status needs a postgres section in the run file: in-memory runs do not outlive their process")
	}
	if limit == 0 {
		limit = 20
	}

	store, err := common.OpenRunStore(file)
	if err != nil {
		return err
	}
	defer store.Close()

	if runID != "" {
		rec, steps, err := store.GetRun(runID)
		if err != nil {
			return err
		}
		printRun(rec, steps)
		return nil
	}

	runs, err := store.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	for _, rec := range runs {
		line := fmt.Sprintf("%s  %-9s  %s  uploads=%d triggers=%d polls=%d",
			rec.ID, rec.State, rec.StartedAt.Format(time.RFC3339),
			rec.UploadCount, rec.TriggerCount, rec.PollAttempts)
		if rec.HasResult {
			line += fmt.Sprintf(" count=%d sum=%d", rec.ResultCount, rec.ResultSum)
		}
		fmt.Println(line)
	}
	return nil
}

func printRun(rec interop.RunRecord, steps []interop.StepRecord) {
	fmt.Printf("Run: %s\n", rec.ID)
	fmt.Printf("Task: %s\n", rec.TaskID)
	fmt.Printf("State: %s\n", rec.State)
	fmt.Printf("Started: %s\n", rec.StartedAt.Format(time.RFC3339))
	if !rec.FinishedAt.IsZero() {
		fmt.Printf("Finished: %s\n", rec.FinishedAt.Format(time.RFC3339))
	}
	if rec.JobURL != "" {
		fmt.Printf("Job: %s\n", rec.JobURL)
	}
	fmt.Printf("Uploads: %d, triggers: %d, polls: %d\n",
		rec.UploadCount, rec.TriggerCount, rec.PollAttempts)
	if rec.HasResult {
		fmt.Printf("Result: count=%d sum=%d\n", rec.ResultCount, rec.ResultSum)
	}
	if rec.Error != "" {
		fmt.Printf("Error: %s\n", rec.Error)
	}
	if len(steps) == 0 {
		return
	}
	fmt.Println("Steps:")
	for _, step := range steps {
		line := fmt.Sprintf("  [%d] %-14s %s", step.Seq, step.Step, step.Status)
		if step.Detail != "" {
			line += ": " + step.Detail
		}
		fmt.Println(line)
	}
}

func printStatusHelp() {
	fmt.Println(`daphne status - Show recorded runs

Needs a run file with a postgres section; runs kept in memory die with
the process that made them.

Usage:
  daphne status --config=<file> [--run=<id>] [--limit=<n>]

Examples:
  daphne status -c run.yaml
  daphne status -c run.yaml --run=7f3d2c9a-...`)
}

// --- Keygen Command ---

func runKeygen(args []string) error {
	var (
		outPath  string
		configID int
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--out", "-o":
			i++
			if i < len(args) {
				outPath = args[i]
			}
		case "--id":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &configID)
			}
		case "--help", "-h":
			printKeygenHelp()
			return nil
		}
	}

	if outPath == "" {
		return fmt.Errorf("--out is required")
	}
	if configID < 0 || configID > 255 {
		return fmt.Errorf("--id must be between 0 and 255")
	}

	rc, err := hpke.Generate(uint8(configID))
	if err != nil {
		return err
	}
	if err := rc.WriteFile(outPath); err != nil {
		return err
	}
	fmt.Printf("Wrote receiver config %d to %s\n", rc.Config.ID, outPath)
	return nil
}

func printKeygenHelp() {
	fmt.Println(`daphne keygen - Generate a collector HPKE key file

The file holds the private key and is written owner-readable only.
'daphne run' and 'daphne provision' generate one themselves when
--collector-config names a file that does not exist yet, so keygen is
only needed to prepare key material ahead of time.

Usage:
  daphne keygen --out=<file> [--id=<n>]

Example:
  daphne keygen --out=collector.json --id=3`)
}

// --- Shared Utilities ---

// loadRunFile reads the run file, applies the shared flag overrides and
// validates the outcome.
func loadRunFile(path string, o overrides) (*common.RunFile, error) {
	file, err := common.LoadRunFile(path)
	if err != nil {
		return nil, err
	}
	if o.leader != "" {
		file.Leader = o.leader
	}
	if o.helper != "" {
		file.Helper = o.helper
	}
	if o.taskID != "" {
		file.TaskID = o.taskID
	}
	if o.collectorFile != "" {
		file.CollectorConfigFile = o.collectorFile
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return file, nil
}

// newOptions builds the interop options with a text logger on stderr.
func newOptions(logLevel string) (interop.Options, error) {
	if logLevel == "" {
		logLevel = "info"
	}
	log, err := common.NewLogger(logLevel, false)
	if err != nil {
		return interop.Options{}, err
	}
	return interop.Options{Log: log}, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// collectionFile is the on-disk form of a fetched collection: the raw
// payload plus the query it was collected under, which the decoder needs to
// rebuild the authenticated data.
type collectionFile struct {
	TaskID     dap.TaskID `json:"task_id"`
	Query      dap.Query  `json:"query"`
	Collection dap.Bytes  `json:"collection"`
}

func saveCollection(path string, taskID dap.TaskID, query dap.Query, coll *dap.Collection) error {
	raw, err := coll.MarshalBinary()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(collectionFile{TaskID: taskID, Query: query, Collection: raw}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func loadCollection(path string) (*collectionFile, *dap.Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading collection file: %w", err)
	}
	var cf collectionFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, nil, fmt.Errorf("parsing collection file: %w", err)
	}
	var coll dap.Collection
	if err := coll.UnmarshalBinary(cf.Collection); err != nil {
		return nil, nil, fmt.Errorf("decoding stored collection: %w", err)
	}
	return &cf, &coll, nil
}
