package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevfs/internal/hwdb"
	"github.com/ydb-platform/udevfs/internal/mux"
	"github.com/ydb-platform/udevfs/internal/sysfs"
	"github.com/ydb-platform/udevfs/internal/udev"
)

const usage = `usage: udev-manager [flags] <command>

commands:
  enumerate            print the devices matching the configured filters
  monitor              print device events until interrupted
  hwdb <modalias>      print the hardware database properties of a modalias

flags:
`

func main() {
	appContext, appCancel := context.WithCancel(context.Background())
	appWaitGroup := &sync.WaitGroup{}

	flags := initFlags()
	config := flags.config

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		signal := <-sigs
		klog.Infof("Received signal %q, shutting down", signal.String())
		appCancel()
	}()

	var err error
	switch flags.command {
	case "enumerate":
		err = enumerate(appContext, config)
	case "monitor":
		err = monitor(appContext, appWaitGroup, config)
	case "hwdb":
		err = lookupHardware(config, flags.args)
	}

	appCancel()
	appWaitGroup.Wait()
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "udev-manager %s: %v\n", flags.command, err)
		os.Exit(1)
	}
}

func newEnumerator(config *Config) *udev.Enumerator {
	return udev.NewEnumerator(sysfs.New(config.Sysfs), udev.NewDatabase(config.UdevRun))
}

func openHardwareDatabase(config *Config) (*hwdb.Database, error) {
	if config.Hwdb != "" {
		return hwdb.Open(config.Hwdb)
	}
	return hwdb.Open()
}

// enumerate prints every device matching any configured filter, sorted by
// syspath.
func enumerate(ctx context.Context, config *Config) error {
	var hw udev.HardwareDatabase
	if config.Hardware {
		db, err := openHardwareDatabase(config)
		if err != nil {
			return fmt.Errorf("failed to open hardware database: %w", err)
		}
		hw = db
	}

	enum := newEnumerator(config)
	devices := make(map[udev.Id]udev.Device)
	for _, filter := range config.filters() {
		for dev, err := range enum.Enumerate(ctx, filter) {
			if err != nil {
				return fmt.Errorf("failed to enumerate devices: %w", err)
			}
			devices[dev.Id()] = dev
		}
	}

	ids := make([]udev.Id, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	p := newPrinter(os.Stdout, config, hw)
	for _, id := range ids {
		if err := p.device(devices[id]); err != nil {
			return err
		}
	}
	return p.Close()
}

// monitor prints events for the devices matching any configured filter until
// ctx ends.
func monitor(ctx context.Context, wg *sync.WaitGroup, config *Config) error {
	group, err := config.group()
	if err != nil {
		return err
	}

	var hw udev.HardwareDatabase
	if config.Hardware {
		db, err := openHardwareDatabase(config)
		if err != nil {
			return fmt.Errorf("failed to open hardware database: %w", err)
		}
		watcher, err := hwdb.Watch(ctx, wg, db)
		if err != nil {
			return fmt.Errorf("failed to watch hardware database: %w", err)
		}
		hw = watcher
	}

	discovery, err := udev.NewDiscovery(ctx, wg, newEnumerator(config), udev.DiscoveryOptions{
		Group:         group,
		ReceiveBuffer: config.ReceiveBuffer,
	})
	if err != nil {
		return fmt.Errorf("failed to start device discovery: %w", err)
	}

	stopHealthz := func() {}
	if config.Healthz != "" {
		stopHealthz = serveHealthz(ctx, wg, config.Healthz, discovery)
	}

	var match []mux.FilterFunc[udev.Device]
	for _, filter := range config.filters() {
		match = append(match, filter.Func())
	}
	deviceMatches := mux.Or(match...)

	events := make(chan udev.Event, 64)
	cancel := discovery.Subscribe(mux.SinkFromChan(events))
	stop := mux.ChainCancelFunc(stopHealthz, cancel, discovery.Close)
	defer stop()

	matching := mux.Filter(mux.In[udev.Event](events), func(ev udev.Event) bool {
		_, dev := eventKind(ev)
		return dev != nil && deviceMatches(dev)
	})

	p := newPrinter(os.Stdout, config, hw)
	defer p.Close()
	for {
		select {
		case ev, ok := <-matching:
			if !ok {
				return nil
			}
			if err := p.event(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			// keep the filter moving so the subscription can be cancelled
			go func() {
				for range matching {
				}
			}()
			stop()
			return nil
		}
	}
}

// healthz reports the number of known devices and the change events seen
// since start.
type healthz struct {
	discovery udev.Discovery
	counts    map[string]*atomic.Uint64
}

func newHealthz(discovery udev.Discovery) (*healthz, mux.CancelFunc) {
	h := &healthz{
		discovery: discovery,
		counts: map[string]*atomic.Uint64{
			"added":   {},
			"changed": {},
			"removed": {},
		},
	}
	count := mux.SinkFunc(func(kind string) error {
		h.counts[kind].Add(1)
		return nil
	}, nil)
	isChange := func(ev udev.Event) bool {
		_, dev := eventKind(ev)
		return dev != nil
	}
	cancel := discovery.Subscribe(mux.FilterSink(mux.ThenSink(count, func(ev udev.Event) string {
		kind, _ := eventKind(ev)
		return kind
	}), isChange))
	return h, cancel
}

func (h *healthz) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	resp.WriteHeader(http.StatusOK)
	fmt.Fprintf(resp, "devices: %d\n", len(h.discovery.State(nil)))
	for _, kind := range []string{"added", "changed", "removed"} {
		fmt.Fprintf(resp, "%s: %d\n", kind, h.counts[kind].Load())
	}
}

func serveHealthz(ctx context.Context, wg *sync.WaitGroup, addr string, discovery udev.Discovery) mux.CancelFunc {
	h, cancel := newHealthz(discovery)
	handler := http.NewServeMux()
	handler.HandleFunc("/healthz", func(resp http.ResponseWriter, req *http.Request) {
		if ctx.Err() != nil {
			resp.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		h.ServeHTTP(resp, req)
	})
	server := &http.Server{Addr: addr, Handler: handler}

	klog.Infof("Starting /healthz server on %s", addr)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("failed to serve /healthz: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		server.Close()
	}()
	return cancel
}

type FlagValues struct {
	Config ConfigFlag

	command string
	args    []string
	config  *Config
}

func initFlags() FlagValues {
	values := FlagValues{}
	flags := flag.NewFlagSet("udev-manager", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(flags.Output(), usage)
		flags.PrintDefaults()
	}
	klog.InitFlags(flags)
	flags.Var(&values.Config, "config", `configuration source (in form "file:<path>", "env:<ENV_VARIABLE>" or "stdin"), defaults apply when omitted`)
	flags.Parse(os.Args[1:])

	values.args = flags.Args()
	if len(values.args) == 0 {
		flags.Usage()
		os.Exit(2)
	}
	values.command, values.args = values.args[0], values.args[1:]
	switch {
	case values.command == "enumerate" || values.command == "monitor":
	case values.command == "hwdb" && len(values.args) == 1:
	default:
		flags.Usage()
		os.Exit(2)
	}

	config, err := loadConfig(&values.Config)
	if err != nil {
		klog.Fatalf("failed to load --config %q: %v", values.Config.String(), err)
	}
	values.config = config

	return values
}

func loadConfig(flag *ConfigFlag) (*Config, error) {
	if flag.configSource == nil {
		return parseConfig(nil)
	}
	configReader, configCloser, err := flag.open()
	if err != nil {
		return nil, err
	}
	defer configCloser()
	return parseConfig(configReader)
}

func lookupHardware(config *Config, args []string) error {
	db, err := openHardwareDatabase(config)
	if err != nil {
		return fmt.Errorf("failed to open hardware database: %w", err)
	}
	props, err := db.Lookup(args[0])
	if err != nil {
		return err
	}
	p := newPrinter(os.Stdout, config, nil)
	if err := p.hardware(args[0], props); err != nil {
		return err
	}
	return p.Close()
}
