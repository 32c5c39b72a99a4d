package monitoring

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/GriffinCanCode/capkernel/internal/kernel"
)

// BandWidth is how many priorities share a fairness band.
const BandWidth = 32

// RunSample is how often one thread has been scheduled.
type RunSample struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Domain   int    `json:"domain"`
	Runs     uint64 `json:"runs"`
}

// BandStats summarises the threads of one priority band.
type BandStats struct {
	Band    int     `json:"band"`
	Threads int     `json:"threads"`
	Mean    float64 `json:"mean_runs"`
	StdDev  float64 `json:"stddev_runs"`
	Median  float64 `json:"median_runs"`
	// Jain is Jain's fairness index of the run counts: 1 when every thread
	// ran equally often, 1/n when one thread got every run.
	Jain float64 `json:"jain_index"`
}

// Fairness is the scheduler statistics report.
type Fairness struct {
	Samples []RunSample `json:"samples"`
	Bands   []BandStats `json:"bands"`
	Overall BandStats   `json:"overall"`
}

// SamplesOf collects run counts from every thread except idle.
func SamplesOf(k *kernel.Kernel) []RunSample {
	var out []RunSample
	for _, t := range k.Threads() {
		if t == k.Idle() {
			continue
		}
		out = append(out, RunSample{Name: t.Name, Priority: t.Priority, Domain: t.Domain, Runs: t.Runs})
	}
	return out
}

// ComputeFairness groups samples into priority bands, highest first.
func ComputeFairness(samples []RunSample) Fairness {
	byBand := map[int][]float64{}
	var all []float64
	for _, s := range samples {
		r := float64(s.Runs)
		byBand[s.Priority/BandWidth] = append(byBand[s.Priority/BandWidth], r)
		all = append(all, r)
	}

	f := Fairness{Samples: samples, Overall: bandStats(-1, all)}
	for band, runs := range byBand {
		f.Bands = append(f.Bands, bandStats(band, runs))
	}
	sort.Slice(f.Bands, func(i, j int) bool { return f.Bands[i].Band > f.Bands[j].Band })
	return f
}

func bandStats(band int, runs []float64) BandStats {
	b := BandStats{Band: band, Threads: len(runs)}
	if len(runs) == 0 {
		return b
	}
	sorted := append([]float64(nil), runs...)
	sort.Float64s(sorted)

	b.Mean = stat.Mean(sorted, nil)
	if len(sorted) > 1 {
		b.StdDev = stat.StdDev(sorted, nil)
	}
	b.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	b.Jain = jain(sorted)
	return b
}

func jain(x []float64) float64 {
	sum := floats.Sum(x)
	sq := floats.Dot(x, x)
	if sq == 0 {
		return 1
	}
	return sum * sum / (float64(len(x)) * sq)
}
