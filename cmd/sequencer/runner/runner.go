// Package sequencerrunner wires a synthetic model runner to the scheduler
// facade for manual exercise and load testing, mirroring the teacher's
// cmd/batch/runner split between main.go and the actual run loop.
package sequencerrunner

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/llm-d/sequencer/pkg/common"
	sequencermetrics "github.com/llm-d/sequencer/pkg/metrics"
	"github.com/llm-d/sequencer/pkg/modelconfig"
	"github.com/llm-d/sequencer/pkg/request"
	"github.com/llm-d/sequencer/pkg/scheduler"
	"github.com/llm-d/sequencer/pkg/statsmirror"
)

var (
	setupLog = ctrl.Log.WithName("setup")

	logVerbosity = flag.Int("v", 0, "log verbosity level")
	runnerCnt    = flag.Int("runner-count", 2, "number of sequence batchers")
	batchSize    = flag.Int("batch-size", 4, "per-batcher batch width")
	configPath   = flag.String("model-config", "", "path to a model configuration YAML file; if empty, a built-in demo config is used")
	metricsPort  = flag.Int("metrics-port", 9090, "port to serve /metrics on")
	redisAddr    = flag.String("stats-mirror-redis", "", "if set, mirror scheduler gauges into this Redis address")
	niceLevel    = flag.Int("nice-level", 0, "OS thread nice level applied to each batcher worker, best-effort")

	demoSequences   = flag.Int("demo-sequences", 20, "number of synthetic sequences the built-in load generator submits")
	demoSequenceLen = flag.Int("demo-sequence-length", 5, "number of requests per synthetic sequence")
	demoStepLatency = flag.Duration("demo-step-latency", 15*time.Millisecond, "simulated per-batch execution latency")
)

// Runner drives the scheduler with either a configured model and a
// synthetic load generator, for manual exercise and load testing.
type Runner struct {
	customCollectors []prometheus.Collector
}

func New() *Runner { return &Runner{} }

func (r *Runner) WithCustomCollectors(collectors ...prometheus.Collector) *Runner {
	r.customCollectors = collectors
	return r
}

func (r *Runner) Run(ctx context.Context) error {
	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()
	initLogging(&opts)

	cfg, err := loadModelConfig()
	if err != nil {
		setupLog.Error(err, "failed to load model configuration")
		return err
	}
	cfg.NiceLevel = *niceLevel

	registry := prometheus.NewRegistry()
	registry.MustRegister(sequencermetrics.GetCollectors()...)
	registry.MustRegister(r.customCollectors...)
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *metricsPort),
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "metrics server exited")
		}
	}()
	defer metricsSrv.Close()

	opts2 := []scheduler.Option{
		scheduler.WithLogger(ctrl.Log.WithName("sequencer")),
		scheduler.WithMetrics(sequencermetrics.Recorder{}),
	}
	if *redisAddr != "" {
		mirror, err := statsmirror.New(*redisAddr, "sequencer:stats", ctrl.Log.WithName("statsmirror"))
		if err != nil {
			setupLog.Error(err, "failed to connect stats mirror, continuing without it")
		} else {
			defer mirror.Close()
			opts2 = append(opts2, scheduler.WithStatsMirror(mirror))
		}
	}

	sched, err := scheduler.New(cfg, *runnerCnt, syntheticRunner(*demoStepLatency), opts2...)
	if err != nil {
		setupLog.Error(err, "failed to build scheduler")
		return err
	}

	go runDemoLoad(ctx, sched)

	<-ctx.Done()
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sched.Close(closeCtx)
}

func initLogging(opts *zap.Options) {
	lvl := -1 * (*logVerbosity)
	opts.Level = uberzap.NewAtomicLevelAt(zapcore.Level(int8(lvl)))
	logger := zap.New(zap.UseFlagOptions(opts), zap.RawZapOpts(uberzap.AddCaller()))
	ctrl.SetLogger(logger)
}

func loadModelConfig() (modelconfig.Config, error) {
	if *configPath == "" {
		return demoModelConfig(), nil
	}
	data, err := os.ReadFile(*configPath)
	if err != nil {
		return modelconfig.Config{}, fmt.Errorf("read model config: %w", err)
	}
	return modelconfig.LoadYAML(data, ctrl.Log.WithName("modelconfig"))
}

func demoModelConfig() modelconfig.Config {
	return modelconfig.Config{
		Name:         "demo-model",
		MaxBatchSize: *batchSize,
		SequenceBatching: modelconfig.SequenceBatching{
			Start: modelconfig.ControlSpec{
				TensorName: "SEQUENCE_START",
				Datatype:   "TYPE_BOOL",
				TrueValue:  []byte{1},
				FalseValue: []byte{0},
			},
			Ready: modelconfig.ControlSpec{
				TensorName: "SEQUENCE_READY",
				Datatype:   "TYPE_BOOL",
				TrueValue:  []byte{1},
				FalseValue: []byte{0},
			},
		},
	}
}

// syntheticRunner simulates a model executing one batch step: it sleeps
// latency then reports success for every payload.
func syntheticRunner(latency time.Duration) func(int, []*request.Payload, func(common.Status)) {
	return func(batcherIdx int, batch []*request.Payload, onComplete func(common.Status)) {
		time.Sleep(latency)
		onComplete(common.Status{Code: common.StatusOK})
	}
}

// demoProvider is a minimal request.Provider used by the built-in load
// generator; a real deployment supplies its own provider backed by actual
// input/output tensors.
type demoProvider struct {
	header request.Header
}

func (p *demoProvider) Header() request.Header               { return p.header }
func (p *demoProvider) SetInputOverride(request.OverrideSet) {}

// runDemoLoad submits demoSequences synthetic sequences, each
// demoSequenceLen requests long, spaced out randomly to exercise both the
// Ready-Slot Pool and the Backlog.
func runDemoLoad(ctx context.Context, sched *scheduler.Scheduler) {
	for seq := 1; seq <= *demoSequences; seq++ {
		if ctx.Err() != nil {
			return
		}
		cid := common.CorrelationID(seq)
		for step := 0; step < *demoSequenceLen; step++ {
			var flags request.Flags
			if step == 0 {
				flags |= request.FlagSequenceStart
			}
			if step == *demoSequenceLen-1 {
				flags |= request.FlagSequenceEnd
			}
			provider := &demoProvider{header: request.Header{BatchSize: 1, CorrelationID: cid, Flags: flags}}
			traceID := uuid.New().String()
			sched.Enqueue(traceID, provider, nil, func(status common.Status) {
				if !status.OK() {
					setupLog.Error(status, "demo request failed")
				}
			})
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		}
	}
}
