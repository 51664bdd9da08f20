package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pbinitiative/zenpvm/internal/appcontext"
	"github.com/pbinitiative/zenpvm/internal/log"
	"github.com/pbinitiative/zenpvm/pkg/pvm"
	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
)

type cli struct {
	Deploy  deployCmd  `cmd:"" help:"Deploy a YAML process definition."`
	Start   startCmd   `cmd:"" help:"Start the latest version of a process."`
	Signal  signalCmd  `cmd:"" help:"Signal a waiting execution."`
	Cancel  cancelCmd  `cmd:"" help:"Cancel a process instance."`
	Inspect inspectCmd `cmd:"" help:"Print a process instance and its activity instance tree."`
	RunJobs runJobsCmd `cmd:"" name:"run-jobs" help:"Run the job executor until interrupted."`
}

type deployCmd struct {
	File string `arg:"" type:"existingfile" help:"Definition document."`
}

func (c *deployCmd) Run(ctx context.Context, a *app) error {
	source, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	definition, err := a.loader.LoadBytes(filepath.Base(c.File), source)
	if err != nil {
		return err
	}
	definition, err = a.engine.Deploy(ctx, definition)
	if err != nil {
		return err
	}
	return a.print(map[string]any{
		"key":     definition.Key(),
		"id":      definition.Id(),
		"version": definition.Version(),
	})
}

type startCmd struct {
	ProcessId   string            `arg:"" help:"Process id."`
	Var         map[string]string `help:"Process variable as key=value, values are parsed as JSON when possible."`
	BusinessKey string            `help:"Business key of the new instance."`
}

func (c *startCmd) Run(ctx context.Context, a *app) error {
	var options []pvm.StartOption
	if c.BusinessKey != "" {
		options = append(options, pvm.WithBusinessKey(c.BusinessKey))
	}
	instance, err := a.engine.StartProcessInstanceById(ctx, c.ProcessId, parseVariables(c.Var), options...)
	if err != nil {
		return err
	}
	return a.print(instance)
}

type signalCmd struct {
	InstanceKey  int64  `arg:"" help:"Process instance key."`
	ExecutionKey int64  `arg:"" optional:"" help:"Execution key, the root execution when omitted."`
	Name         string `default:"signal" help:"Signal name."`
	Data         string `help:"Signal data as a JSON object, merged into the process variables."`
}

func (c *signalCmd) Run(ctx context.Context, a *app) error {
	executionKey := c.ExecutionKey
	if executionKey == 0 {
		executionKey = c.InstanceKey
	}
	var data any
	if c.Data != "" {
		if err := json.Unmarshal([]byte(c.Data), &data); err != nil {
			return fmt.Errorf("invalid signal data: %w", err)
		}
	}
	instance, err := a.engine.Signal(ctx, c.InstanceKey, executionKey, c.Name, data)
	if err != nil {
		return err
	}
	return a.print(instance)
}

type cancelCmd struct {
	InstanceKey int64 `arg:"" help:"Process instance key."`
}

func (c *cancelCmd) Run(ctx context.Context, a *app) error {
	instance, err := a.engine.CancelProcessInstance(ctx, c.InstanceKey)
	if err != nil {
		return err
	}
	return a.print(instance)
}

type inspectCmd struct {
	InstanceKey int64 `arg:"" help:"Process instance key."`
}

type inspection struct {
	Instance runtime.ProcessInstance `json:"instance"`
	Tree     *pvm.ActivityInstance   `json:"activityInstanceTree"`
}

func (c *inspectCmd) Run(ctx context.Context, a *app) error {
	instance, err := a.engine.FindProcessInstance(ctx, c.InstanceKey)
	if err != nil {
		return err
	}
	return a.print(inspection{
		Instance: instance,
		Tree:     pvm.BuildActivityInstanceTree(instance),
	})
}

type runJobsCmd struct{}

func (c *runJobsCmd) Run(ctx context.Context, a *app) error {
	executor, err := a.newExecutor()
	if err != nil {
		return err
	}
	ctx = appcontext.WithWorkerId(ctx, executor.WorkerId())
	executor.Start(ctx)
	log.Infof(ctx, "Job executor started")

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-appStop:
		log.Infof(ctx, "Received %s. Shutting down", sig.String())
	case <-ctx.Done():
	}
	executor.Stop()
	if ctx.Err() != nil {
		log.Warnf(ctx, "Job executor stopped by cancelled context: %s", ctx.Err())
	}
	return nil
}

// parseVariables decodes each value as JSON and keeps it as a string otherwise.
func parseVariables(raw map[string]string) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	variables := make(map[string]any, len(raw))
	for name, value := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			variables[name] = decoded
		} else {
			variables[name] = value
		}
	}
	return variables
}
