// Bench generates a deterministic input file, sorts it and reports
// throughput, phase timings and peak memory.
//
// Usage:
//
//	go run ./cmd/bench --lines 10000000 --skew 0.2
//
// Flags:
//
//	--lines        Number of records to generate (default: 10,000,000)
//	--seed         Generator seed (default: 0x1234)
//	--skew         Fraction of records forced into one bucket (default: 0)
//	--max-letters  Longest letters field (default: 32)
//	--max-digits   Longest digits field (default: 12)
//	--segment      Packed key width: byte, uint32 or uint64 (default: uint64)
//	--memory       Line memory budget in bytes (default: 1 GiB)
//	--verify       Check the output after sorting (default: true)
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/metrics"
	"runtime/pprof"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spaolacci/murmur3"
	"github.com/spf13/pflag"

	"github.com/tamirms/groupsort"
	"github.com/tamirms/groupsort/verify"
)

const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// getMaxRSS returns the maximum resident set size in bytes.
func getMaxRSS() uint64 {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0
	}
	// On macOS, MaxRss is in bytes. On Linux, it's in kilobytes.
	maxRSS := uint64(rusage.Maxrss)
	if runtime.GOOS == "linux" {
		maxRSS *= 1024
	}
	return maxRSS
}

// generator derives record i from murmur3(i, seed), so the same flags always
// produce the same file.
type generator struct {
	seed       uint32
	skew       float64
	maxLetters int
	maxDigits  int
}

func (g generator) record(dst []byte, i uint64) []byte {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], i)
	h1, h2 := murmur3.Sum128WithSeed(key[:], g.seed)

	nd := 1 + int(h1%uint64(g.maxDigits))
	for d := range nd {
		dst = append(dst, '0'+byte((h2>>(d%16*4))%10))
	}
	dst = append(dst, '.')

	nl := int((h1 >> 16) % uint64(g.maxLetters+1))
	skewed := float64(h1>>40)/float64(1<<24) < g.skew
	state := h2
	for l := range nl {
		if skewed && l < 2 {
			dst = append(dst, 'q')
			continue
		}
		if l%8 == 0 {
			state = murmur3.Sum64WithSeed(key[:], g.seed+uint32(l))
		}
		dst = append(dst, letters[(state>>(l%8*8)&0xff)%uint64(len(letters))])
	}
	return append(dst, '\n')
}

func generate(path string, lines uint64, g generator) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriterSize(f, 1<<20)
	buf := make([]byte, 0, 600)
	var size int64
	for i := range lines {
		buf = g.record(buf[:0], i)
		n, err := w.Write(buf)
		if err != nil {
			_ = f.Close()
			return 0, err
		}
		size += int64(n)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, err
	}
	return size, f.Close()
}

func main() {
	linesFlag := pflag.Uint64("lines", 10_000_000, "number of records")
	seedFlag := pflag.Uint32("seed", 0x1234, "generator seed")
	skewFlag := pflag.Float64("skew", 0, "fraction of records forced into one bucket")
	maxLettersFlag := pflag.Int("max-letters", 32, "longest letters field")
	maxDigitsFlag := pflag.Int("max-digits", 12, "longest digits field")
	segmentFlag := pflag.String("segment", "uint64", "packed key width: byte, uint32 or uint64")
	memoryFlag := pflag.Int64("memory", groupsort.DefaultMaxMemoryForLines, "line memory budget in bytes")
	verifyFlag := pflag.Bool("verify", true, "check the output after sorting")
	cpuprofile := pflag.String("cpuprofile", "", "write cpu profile to file (sort phase only)")
	pflag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if *maxDigitsFlag < 1 || *maxDigitsFlag > 255 || *maxLettersFlag < 0 || *maxLettersFlag > 255 {
		logger.Fatal().Msg("--max-digits must be in [1, 255] and --max-letters in [0, 255]")
	}
	segment, err := groupsort.ParseSortingSegment(*segmentFlag)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad --segment")
	}

	tmpDir, err := os.MkdirTemp("", "bench-")
	if err != nil {
		logger.Fatal().Err(err).Msg("create temp dir")
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	inputPath := filepath.Join(tmpDir, "input.txt")
	outputPath := filepath.Join(tmpDir, "output.txt")

	logger.Info().Uint64("lines", *linesFlag).Msg("generating input")
	genStart := time.Now()
	size, err := generate(inputPath, *linesFlag, generator{
		seed:       *seedFlag,
		skew:       *skewFlag,
		maxLetters: *maxLettersFlag,
		maxDigits:  *maxDigitsFlag,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("generate input")
	}
	genDuration := time.Since(genStart)

	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	var baseline runtime.MemStats
	runtime.ReadMemStats(&baseline)
	baselineRSS := getMaxRSS()

	// 10ms sampling through runtime/metrics avoids ReadMemStats pauses.
	var peakAlloc atomic.Uint64
	var peakRSS atomic.Uint64
	peakAlloc.Store(baseline.Alloc)
	peakRSS.Store(baselineRSS)
	done := make(chan struct{})
	go func() {
		samples := []metrics.Sample{
			{Name: "/memory/classes/heap/objects:bytes"},
		}
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				metrics.Read(samples)
				heapBytes := samples[0].Value.Uint64()
				for {
					old := peakAlloc.Load()
					if heapBytes <= old || peakAlloc.CompareAndSwap(old, heapBytes) {
						break
					}
				}
				rss := getMaxRSS()
				for {
					old := peakRSS.Load()
					if rss <= old || peakRSS.CompareAndSwap(old, rss) {
						break
					}
				}
			}
		}
	}()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			logger.Fatal().Err(err).Msg("create cpu profile")
		}
		defer func() { _ = f.Close() }()
		if err := pprof.StartCPUProfile(f); err != nil {
			logger.Fatal().Err(err).Msg("start cpu profile")
		}
	}

	logger.Info().Int64("bytes", size).Str("segment", segment.String()).Msg("sorting")
	sortStart := time.Now()
	stats, err := groupsort.Sort(context.Background(), inputPath, outputPath,
		groupsort.WithSortingSegment(segment),
		groupsort.WithMaxMemoryForLines(*memoryFlag),
		groupsort.TempDir(tmpDir),
		groupsort.WithLogger(logger.Level(zerolog.WarnLevel)),
	)
	sortDuration := time.Since(sortStart)

	if *cpuprofile != "" {
		pprof.StopCPUProfile()
	}
	close(done)
	if err != nil {
		logger.Fatal().Err(err).Msg("sort failed")
	}

	peakHeapMem := peakAlloc.Load() - baseline.Alloc
	peakRSSMem := peakRSS.Load() - baselineRSS

	verified := "skipped"
	if *verifyFlag {
		report, err := verify.File(outputPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("verify output")
		}
		same, err := verify.SamePermutation(inputPath, outputPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("compare input and output")
		}
		if !report.Sorted || !same {
			logger.Fatal().Int64("first_violation", report.FirstViolation).Bool("same_lines", same).Msg("output is wrong")
		}
		verified = "ok"
	}

	mb := float64(size) / 1_000_000
	fmt.Printf("\n")
	fmt.Printf("╔═════════════════════╦════════════════════╗\n")
	fmt.Printf("║ Segment: %-11s║ Verify: %-11s║\n", segment, verified)
	fmt.Printf("╠═════════════════════╬════════════════════╣\n")
	fmt.Printf("║ Lines               ║ %14d     ║\n", stats.Lines)
	fmt.Printf("║ Input size          ║ %10.1f MB      ║\n", mb)
	fmt.Printf("║ Buckets             ║ %14d     ║\n", stats.Buckets)
	fmt.Printf("║ Largest bucket      ║ %10.1f MB      ║\n", float64(stats.LargestBucketBytes)/1_000_000)
	fmt.Printf("║ Generate time       ║ %10.2f sec     ║\n", genDuration.Seconds())
	fmt.Printf("║   - Grouping        ║ %10.2f sec     ║\n", stats.GroupingDuration.Seconds())
	fmt.Printf("║   - Sorting         ║ %10.2f sec     ║\n", stats.SortingDuration.Seconds())
	fmt.Printf("║   - Finalize        ║ %10.2f sec     ║\n", stats.FinalizeDuration.Seconds())
	fmt.Printf("║ Sort time           ║ %10.2f sec     ║\n", sortDuration.Seconds())
	fmt.Printf("║ Throughput          ║ %10.2f MB/sec  ║\n", mb/sortDuration.Seconds())
	fmt.Printf("║ Throughput          ║ %10.2f M/sec   ║\n", float64(stats.Lines)/sortDuration.Seconds()/1_000_000)
	fmt.Printf("║ Peak pooled buffers ║ %14d     ║\n", stats.PeakBuffers)
	fmt.Printf("║ Peak heap memory    ║ %10.1f MB      ║\n", float64(peakHeapMem)/1_000_000)
	fmt.Printf("║ Peak RSS memory     ║ %10.1f MB      ║\n", float64(peakRSSMem)/1_000_000)
	fmt.Printf("║ Output hash         ║ %016x   ║\n", stats.OutputHash)
	fmt.Printf("╚═════════════════════╩════════════════════╝\n")
}
