package main

import (
	"fmt"
	"os"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/config"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/directory"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/runtime"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
)

var log = logging.Logger("nanos6d")

func main() {
	app := &cli.App{
		Name:  "nanos6d",
		Usage: "cluster task runtime node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the TOML configuration file",
				Value: "nanos6.toml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "default log level for all subsystems",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			runCmd,
			infoCmd,
		},
		Before: func(cctx *cli.Context) error {
			return logging.SetLogLevel("*", cctx.String("log-level"))
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	return config.Load(cctx.String("config"))
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "start a runtime node and run the demo main task",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "tasks",
			Usage: "number of child tasks the demo main task spawns",
			Value: 64,
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		rt, err := runtime.New(cfg)
		if err != nil {
			return err
		}
		if err := rt.Init(); err != nil {
			return err
		}

		if err := rt.RegisterFunction("demo_block", demoBlock); err != nil {
			return err
		}

		// Slaves only serve offloaded work until the master announces
		// the finish.
		if !rt.IsMaster() {
			return rt.Shutdown()
		}

		if err := runDemo(rt, cctx.Int("tasks")); err != nil {
			return err
		}
		return rt.Shutdown()
	},
}

var demoCounter atomic.Int64

func demoBlock(interface{}) {
	demoCounter.Add(1)
}

// runDemo spawns a root task with an empty body and waits for it to
// complete, then dmallocs an equal-distributed buffer, spawns child
// tasks over its blocks under the root, and taskwaits on the root.
func runDemo(rt *runtime.Runtime, nTasks int) error {
	rootDone := make(chan struct{})
	root, err := rt.SpawnFunction("main", func(interface{}) {}, nil,
		func() { close(rootDone) }, nil, nil)
	if err != nil {
		return err
	}
	<-rootDone

	buf, err := rt.Dmalloc(uint64(nTasks)*4096, directory.EqualPolicy, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Dfree(buf); err != nil {
			log.Warnw("freeing demo buffer failed", "error", err)
		}
	}()

	for i := 0; i < nTasks; i++ {
		start := buf.Start + uint64(i)*4096
		spec := runtime.AccessSpec{
			Region: region.New(start, 4096),
			Mode:   tasks.ReadWrite,
		}
		if _, err := rt.SpawnFunction("demo_block", nil, nil, nil, root, []runtime.AccessSpec{spec}); err != nil {
			return err
		}
	}

	rt.Taskwait(root)
	fmt.Printf("demo: %d of %d tasks executed locally\n", demoCounter.Load(), nTasks)
	return nil
}

var infoCmd = &cli.Command{
	Name:  "info",
	Usage: "print the effective configuration",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		fmt.Printf("communication:\t%s\n", cfg.Cluster.Communication)
		fmt.Printf("peers:\t%d\n", len(cfg.Cluster.Peers))
		fmt.Printf("node_index:\t%d\n", cfg.Cluster.NodeIndex)
		fmt.Printf("message_max_size:\t%d bytes\n", cfg.Cluster.MessageMaxSize.Bytes())
		fmt.Printf("use_namespace:\t%v\n", cfg.Cluster.UseNamespace)
		fmt.Printf("scheduler_policy:\t%s\n", cfg.Scheduler.Policy)
		fmt.Printf("distrib_size:\t%d bytes\n", cfg.Memory.DistribSize.Bytes())
		return nil
	},
}
