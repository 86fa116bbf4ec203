// Package main is a small monitor that runs a Lua script with the debug
// bridge attached and prints every protocol message it emits.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/luabridge"
	"github.com/dshills/luabridge/engine"
	"github.com/dshills/luabridge/mainloop"
	"github.com/dshills/luabridge/scheduler"
	"github.com/tidwall/sjson"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	scriptPath := flag.String("script", "", "Lua script to run under the debugger")
	configPath := flag.String("config", "", "optional TOML config file")
	evalExpr := flag.String("eval", "", "expression to send as an evaluate request")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("luabridge-monitor %s\n", version)
		return 0
	}

	cfg := &Config{}
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *scriptPath != "" {
		cfg.Script = *scriptPath
	}
	if *evalExpr != "" {
		cfg.Evaluate = append(cfg.Evaluate, *evalExpr)
	}

	var initOpts []luabridge.InitOption
	if cfg.Tuning.RegistrySize > 0 {
		initOpts = append(initOpts, luabridge.WithRegistrySize(cfg.Tuning.RegistrySize))
	}
	if cfg.Tuning.CallStackSize > 0 {
		initOpts = append(initOpts, luabridge.WithCallStackSize(cfg.Tuning.CallStackSize))
	}
	luabridge.Initialize(initOpts...)
	defer luabridge.Shutdown()

	eng := engine.New()
	sched := scheduler.New()

	// The script goroutine: runs the scheduler and owns the engine for the
	// whole process lifetime.
	scriptDone := make(chan struct{})
	go func() {
		defer close(scriptDone)
		sched.Run()
		eng.Close()
	}()

	loop := mainloop.New()
	backend := luabridge.New(eng, sched)

	backend.SetDebugMessageHandler(loop, func(message string, _ any) {
		fmt.Println(message)
	}, nil, nil)

	if cfg.Script != "" {
		source, err := os.ReadFile(cfg.Script)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: read script: %v\n", err)
			return 1
		}
		src := string(source)
		_ = sched.PushJob(scheduler.PriorityDefault, func() {
			if err := eng.DoString(src); err != nil {
				fmt.Fprintf(os.Stderr, "Error: script: %v\n", err)
			}
		}, nil)
	}

	for i, expr := range cfg.Evaluate {
		req, _ := sjson.Set("{}", "seq", i+1)
		req, _ = sjson.Set(req, "type", "request")
		req, _ = sjson.Set(req, "command", "evaluate")
		req, _ = sjson.Set(req, "arguments.expression", expr)
		if err := backend.PostDebugMessage(req); err != nil {
			fmt.Fprintf(os.Stderr, "Error: post: %v\n", err)
		}
	}

	// Handle signals for graceful shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		backend.Close()
		sched.Stop()
		loop.Quit()
	}()

	loop.Run()
	<-scriptDone
	return 0
}
