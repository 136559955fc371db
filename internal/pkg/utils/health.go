package utils

// this file was copied from imaginary project
// https://github.com/h2non/imaginary/blob/master/health.go

/*

The MIT License

Copyright (c) 2015-2018 Tomas Aparicio and contributors

Permission is hereby granted, free of charge, to any person
obtaining a copy of this software and associated documentation
files (the "Software"), to deal in the Software without
restriction, including without limitation the rights to use,
copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the
Software is furnished to do so, subject to the following
conditions:

The above copyright notice and this permission notice shall be
included in all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES
OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND
NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT
HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING
FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR
OTHER DEALINGS IN THE SOFTWARE.

*/

import (
	"math"
	"runtime"
	"time"
)

var start = time.Now()

const MB float64 = 1.0 * 1024 * 1024

// Check - reachability probe of a dependency
type Check = func() error

type HealthStats struct {
	Uptime               int64             `json:"uptime"`
	AllocatedMemory      float64           `json:"allocatedMemory"`
	TotalAllocatedMemory float64           `json:"totalAllocatedMemory"`
	Goroutines           int               `json:"goroutines"`
	NumberOfCPUs         int               `json:"cpus"`
	Healthy              bool              `json:"healthy"`
	Services             map[string]string `json:"services"`
}

// GetHealthStats collects process stats and runs every check,
// a failed check makes the whole report unhealthy
func GetHealthStats(checks map[string]Check) *HealthStats {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	stats := &HealthStats{
		Uptime:               GetUptime(),
		AllocatedMemory:      toMegaBytes(mem.Alloc),
		TotalAllocatedMemory: toMegaBytes(mem.TotalAlloc),
		Goroutines:           runtime.NumGoroutine(),
		NumberOfCPUs:         runtime.NumCPU(),
		Healthy:              true,
		Services:             make(map[string]string, len(checks)),
	}

	for name, check := range checks {
		if err := check(); err != nil {
			stats.Services[name] = err.Error()
			stats.Healthy = false
		} else {
			stats.Services[name] = "ok"
		}
	}
	return stats
}

func GetUptime() int64 {
	return time.Now().Unix() - start.Unix()
}

func toMegaBytes(bytes uint64) float64 {
	return toFixed(float64(bytes)/MB, 2)
}

func round(num float64) int {
	return int(num + math.Copysign(0.5, num))
}

func toFixed(num float64, precision int) float64 {
	output := math.Pow(10, float64(precision))
	return float64(round(num*output)) / output
}
