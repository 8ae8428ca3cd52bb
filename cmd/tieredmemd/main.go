// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intel/tieredmem/pkg/metrics"
	"github.com/intel/tieredmem/pkg/tieredmem"
	_ "github.com/intel/tieredmem/pkg/version"
)

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, fmt.Sprintf("tieredmemd: "+format+"\n", a...))
	os.Exit(1)
}

// parseOptRegions parses -regions=BASE+SIZE[,BASE+SIZE...], base in
// hex, size in ParseBytes syntax.
func parseOptRegions(regionsStr string) ([][2]uint64, error) {
	regions := [][2]uint64{}
	for _, baseSizeStr := range strings.Split(regionsStr, ",") {
		baseSizeSlice := strings.Split(baseSizeStr, "+")
		if len(baseSizeSlice) != 2 {
			return nil, fmt.Errorf("invalid region %q, expected BASE+SIZE", baseSizeStr)
		}
		base, err := strconv.ParseUint(baseSizeSlice[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid region base address %q", baseSizeSlice[0])
		}
		size, err := tieredmem.ParseBytes(baseSizeSlice[1])
		if err != nil {
			return nil, fmt.Errorf("invalid region size %q: %v", baseSizeSlice[1], err)
		}
		regions = append(regions, [2]uint64{base, uint64(size)})
	}
	return regions, nil
}

func serveMetrics(addr string) {
	gatherer, err := metrics.NewMetricGatherer()
	if err != nil {
		exit("creating metric gatherer failed: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			exit("metrics server failed: %v", err)
		}
	}()
}

func main() {
	optConfig := flag.String("config", "", "-config=FILE read configuration from FILE (YAML or JSON)")
	optMetricsAddr := flag.String("metrics-addr", "", "-metrics-addr=ADDR serve Prometheus metrics on ADDR")
	optSimulate := flag.Bool("simulate", false, "use the simulated fault source instead of userfaultfd")
	optRegions := flag.String("regions", "", "-regions=BASE+SIZE[,BASE+SIZE...] register regions at startup, base in hex")
	optPrompt := flag.Bool("prompt", false, "start interactive prompt")
	optDebug := flag.Bool("debug", false, "print debug messages")

	flag.Parse()

	tieredmem.SetLogger(stdlog.New(os.Stderr, "", stdlog.LstdFlags))
	tieredmem.SetLogDebug(*optDebug)

	config := tieredmem.DefaultConfig()
	if *optConfig != "" {
		var err error
		if config, err = tieredmem.ReadConfigFile(*optConfig); err != nil {
			exit("%v", err)
		}
	}

	var manager *tieredmem.Manager
	var sim *tieredmem.SimFaultSource
	var err error
	if *optSimulate {
		sim = tieredmem.NewSimFaultSource()
		manager, err = tieredmem.NewManagerWithSource(config, sim)
	} else {
		manager, err = tieredmem.NewManager(config)
	}
	if err != nil {
		exit("creating manager failed: %v", err)
	}

	if err := manager.Start(); err != nil {
		exit("starting manager failed: %v", err)
	}

	if *optRegions != "" {
		regions, err := parseOptRegions(*optRegions)
		if err != nil {
			exit("invalid -regions: %v", err)
		}
		for _, region := range regions {
			if err := manager.RegisterRegion(region[0], region[1]); err != nil {
				exit("registering region %#x+%d failed: %v", region[0], region[1], err)
			}
		}
	}

	if *optMetricsAddr != "" {
		if err := manager.RegisterMetricsCollector(); err != nil {
			exit("registering metrics collector failed: %v", err)
		}
		serveMetrics(*optMetricsAddr)
	}

	if *optPrompt {
		prompt := NewPrompt("tieredmem> ",
			bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout),
			manager, sim)
		prompt.interact()
	} else {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs
	}

	if err := manager.Stop(); err != nil {
		exit("shutdown failed: %v", err)
	}
}
