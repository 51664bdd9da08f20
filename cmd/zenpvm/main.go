package main

import (
	"context"
	"os"

	"github.com/alecthomas/kong"
	"github.com/pbinitiative/zenpvm/internal/config"
	"github.com/pbinitiative/zenpvm/internal/log"
	"github.com/pbinitiative/zenpvm/internal/otel"
	"github.com/pbinitiative/zenpvm/internal/profile"
)

func main() {
	profile.InitProfile()
	log.Init()
	defer log.Sync()

	appContext, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	conf := config.InitConfig()

	kctx := kong.Parse(&cli{},
		kong.Name("zenpvm"),
		kong.Description("Process virtual machine command line."),
		kong.UsageOnError(),
		kong.BindTo(appContext, (*context.Context)(nil)),
	)

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}
	defer openTelemetry.Stop(appContext)

	a, err := newApp(appContext, conf, openTelemetry, os.Stdout)
	if err != nil {
		log.Error("Failed to start zenpvm: %s", err)
		os.Exit(1)
	}
	err = kctx.Run(a)
	if closeErr := a.Close(); closeErr != nil {
		log.Warnf(appContext, "Failed to release resources: %s", closeErr)
	}
	if err != nil {
		log.Errorf(appContext, "%s failed: %s", kctx.Command(), err)
		os.Exit(1)
	}
}
