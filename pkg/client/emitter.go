package client

import (
	"fmt"
	"time"

	"github.com/casterlabs/speedtest/pkg/speedtest/spec"
)

// Emitter is an interface for emitting results.
type Emitter interface {
	// OnStart is called when a subtest starts.
	OnStart(server string, kind spec.SubtestKind)
	// OnPing is called after every latency sample.
	OnPing(p PingData)
	// OnProgress is called periodically while a subtest is running.
	OnProgress(r Result)
	// OnResult is called when a subtest completes.
	OnResult(r Result)
	// OnError is called on errors.
	OnError(err error)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
	// OnSummary is called to print summary information.
	OnSummary(ping PingData, results map[spec.SubtestKind]Result)
}

// HumanReadable prints human-readable output to stdout.
// It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool
}

// OnStart prints the subtest and server hostname.
func (HumanReadable) OnStart(server string, kind spec.SubtestKind) {
	fmt.Printf("Starting %s (server: %s)\n", kind, server)
}

// OnPing prints the rolling average latency.
func (HumanReadable) OnPing(p PingData) {
	fmt.Printf("ping: %s (avg of %d)\n", p.Average.Round(time.Microsecond), len(p.Samples))
}

// OnProgress prints the current speed on a single, rewritten line.
func (HumanReadable) OnProgress(r Result) {
	fmt.Printf("\r%s: %-10s %3.0f%%", r.Subtest, r.SpeedStr, r.Progress*100)
}

// OnResult prints the final result of a subtest.
func (HumanReadable) OnResult(r Result) {
	fmt.Printf("\r%s rate: %s (%d bytes in %.2fs)\n",
		r.Subtest, r.SpeedStr, r.Bytes, r.Elapsed.Seconds())
}

// OnError is called on errors.
func (HumanReadable) OnError(err error) {
	fmt.Println(err)
}

// OnSummary prints all the results.
func (HumanReadable) OnSummary(ping PingData, results map[spec.SubtestKind]Result) {
	fmt.Println()
	fmt.Printf("Test results:\n")
	fmt.Printf("  ping: %s\n", ping.Average.Round(time.Microsecond))
	for _, kind := range []spec.SubtestKind{spec.SubtestDownload, spec.SubtestUpload} {
		result, ok := results[kind]
		if !ok {
			continue
		}
		fmt.Printf("  %s rate: %s, bytes: %d, duration: %.2fs, minrtt: %.2fms\n",
			kind, result.SpeedStr, result.Bytes, result.Elapsed.Seconds(),
			float32(result.MinRTT)/1000)
	}
}

// OnDebug is called to print debug information.
func (e HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Printf("DEBUG: %s\n", msg)
	}
}

// Checks that HumanReadable implements Emitter.
var _ Emitter = &HumanReadable{}
