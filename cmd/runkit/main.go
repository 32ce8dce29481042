// Command runkit drives one routine run from the command line.
//
//	runkit --routine ./routines/onboarding.yaml --user u-1
//	runkit --routines-dir ./routines --version rv-42 --run-config run.json
//	runkit --resume <run-id> --resume-input input.json
//	runkit --cancel <run-id>
//
// Configuration is read from runkit.yaml and RUNKIT_* environment variables.
// Snapshots survive between invocations only with the redis or database
// store enabled.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"go.yaml.in/yaml/v3"

	"github.com/kbukum/runkit/bootstrap"
	"github.com/kbukum/runkit/config"
	"github.com/kbukum/runkit/engine"
	"github.com/kbukum/runkit/graph"
	"github.com/kbukum/runkit/run"
	"github.com/kbukum/runkit/version"
)

type options struct {
	configFile   string
	envFile      string
	routineFile  string
	routinesDirs []string
	versionID    string
	userID       string
	runID        string
	runConfig    string
	resumeRunID  string
	resumeInput  string
	cancelRunID  string
	buildInfo    bool
}

func main() {
	if err := execute(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "runkit:", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("runkit", pflag.ContinueOnError)
	fs.StringVarP(&o.configFile, "config", "c", "", "config file (default: runkit.yaml lookup)")
	fs.StringVar(&o.envFile, "env-file", "", ".env file to load")
	fs.StringVarP(&o.routineFile, "routine", "r", "", "routine version document (YAML or JSON)")
	fs.StringSliceVar(&o.routinesDirs, "routines-dir", nil, "directories holding <version-id>.yaml documents")
	fs.StringVar(&o.versionID, "version", "", "routine version id to load from --routines-dir")
	fs.StringVarP(&o.userID, "user", "u", "cli", "user the run is billed to")
	fs.StringVar(&o.runID, "run-id", "", "id for the new run (generated when empty)")
	fs.StringVar(&o.runConfig, "run-config", "", "JSON run configuration file")
	fs.StringVar(&o.resumeRunID, "resume", "", "resume the stored run with this id")
	fs.StringVar(&o.resumeInput, "resume-input", "", "JSON file mapping branch ids to manual input")
	fs.StringVar(&o.cancelRunID, "cancel", "", "cancel the stored run with this id")
	fs.BoolVar(&o.buildInfo, "build-info", false, "print build information and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.buildInfo {
		return o, nil
	}

	modes := 0
	for _, set := range []bool{o.routineFile != "" || o.versionID != "", o.resumeRunID != "", o.cancelRunID != ""} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return o, fmt.Errorf("exactly one of --routine/--version, --resume or --cancel is required")
	}
	if o.versionID != "" && len(o.routinesDirs) == 0 {
		return o, fmt.Errorf("--version needs --routines-dir")
	}
	return o, nil
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.buildInfo {
		_, err := fmt.Fprintln(out, "runkit", version.Get())
		return err
	}

	var cfg AppConfig
	loadOpts := []config.LoaderOption{config.WithEnvPrefix("RUNKIT")}
	if opts.configFile != "" {
		loadOpts = append(loadOpts, config.WithConfigFile(opts.configFile))
	}
	if opts.envFile != "" {
		loadOpts = append(loadOpts, config.WithEnvFile(opts.envFile))
	}
	if err := config.LoadConfig("runkit", &cfg, loadOpts...); err != nil {
		return err
	}

	definitions, versionID, err := routines(opts)
	if err != nil {
		return err
	}

	app, err := bootstrap.NewApp(&cfg)
	if err != nil {
		return err
	}
	engineComponent, err := wire(ctx, app, definitions)
	if err != nil {
		return err
	}

	return app.RunTask(ctx, func(ctx context.Context) error {
		eng := engineComponent.Engine()
		var (
			r      *run.Run
			runErr error
		)
		switch {
		case opts.cancelRunID != "":
			if runErr = eng.CancelRun(ctx, opts.cancelRunID); runErr == nil {
				r, runErr = eng.GetRun(ctx, opts.cancelRunID)
			}
		case opts.resumeRunID != "":
			req, err := resumeRequest(opts.resumeInput)
			if err != nil {
				return err
			}
			r, runErr = eng.ResumeRun(ctx, opts.resumeRunID, req)
		default:
			req := engine.StartRequest{RoutineVersionID: versionID, UserID: opts.userID, RunID: opts.runID}
			if opts.runConfig != "" {
				data, err := os.ReadFile(opts.runConfig)
				if err != nil {
					return fmt.Errorf("read run config: %w", err)
				}
				rc, err := run.ParseConfig(data)
				if err != nil {
					return err
				}
				req.Config = &rc
			}
			r, runErr = eng.StartRun(ctx, req)
		}
		if r != nil {
			if err := printRun(out, r); err != nil {
				return err
			}
		}
		return runErr
	})
}

// routines returns the definition store and, for a single document, the
// version id it holds.
func routines(opts options) (graph.Store, string, error) {
	if opts.routineFile != "" {
		rv, err := graph.LoadFile(opts.routineFile)
		if err != nil {
			return nil, "", err
		}
		return graph.NewMemoryStore(rv), rv.ID, nil
	}
	return graph.NewFileStore(opts.routinesDirs...), opts.versionID, nil
}

func resumeRequest(path string) (engine.ResumeRequest, error) {
	var req engine.ResumeRequest
	if path == "" {
		return req, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("read resume input: %w", err)
	}
	if err := json.Unmarshal(data, &req.Branches); err != nil {
		return req, fmt.Errorf("parse resume input: %w", err)
	}
	return req, nil
}

type branchView struct {
	ID     string `yaml:"id"`
	Node   string `yaml:"node"`
	Status string `yaml:"status"`
	Wait   string `yaml:"wait,omitempty"`
}

type runView struct {
	ID         string       `yaml:"id"`
	Version    string       `yaml:"routine_version"`
	Status     string       `yaml:"status"`
	Iterations int          `yaml:"iterations"`
	Steps      int          `yaml:"steps"`
	Complexity int          `yaml:"completed_complexity"`
	Elapsed    string       `yaml:"elapsed"`
	Spent      string       `yaml:"credits_spent"`
	Failure    string       `yaml:"failure,omitempty"`
	Branches   []branchView `yaml:"branches"`
}

func printRun(w io.Writer, r *run.Run) error {
	v := runView{
		ID:         r.ID,
		Version:    r.RoutineVersionID,
		Status:     string(r.Status),
		Iterations: r.Iterations,
		Steps:      r.StepsCount,
		Complexity: r.CompletedComplexity,
		Elapsed:    r.TimeElapsed.String(),
		Spent:      r.Credits.Spent,
	}
	if f := r.Failure; f != nil {
		v.Failure = f.Code + ": " + f.Message
	}
	for _, b := range r.Branches {
		v.Branches = append(v.Branches, branchView{
			ID:     b.ID,
			Node:   string(b.CurrentNodeID),
			Status: string(b.Status),
			Wait:   string(b.WaitKind),
		})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
