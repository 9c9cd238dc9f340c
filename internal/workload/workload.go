//go:build linux || darwin

// Package workload implements the mixed CPU and I/O benchmark run by
// fibersched-bench: half the fibers sum primes, half sleep and then write or
// read a scratch file through the scheduler's hooks.
package workload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joeycumines/go-fibersched"
	"github.com/joeycumines/logiface"
)

// Kind classifies a fiber's work.
type Kind string

const (
	KindCPU   Kind = "cpu"
	KindWrite Kind = "write"
	KindRead  Kind = "read"
)

// Config describes one round of the workload.
type Config struct {
	Logger *logiface.Logger[logiface.Event]
	// Dir holds scratch files, and must exist.
	Dir string
	// Fibers is the total count, split evenly between CPU and I/O work.
	Fibers int
	// PrimeLimit bounds the prime sum computed by CPU fibers.
	PrimeLimit int
	// YieldEvery, if positive, makes CPU fibers yield after that many
	// candidates.
	YieldEvery int
	// ShortSleep and LongSleep alternate across I/O fibers. The short ones
	// write, the long ones read.
	ShortSleep time.Duration
	LongSleep  time.Duration
	// Timeout bounds each file transfer.
	Timeout time.Duration
	// Label distinguishes concurrent runs (e.g. one per scheduler).
	Label string
}

// DefaultConfig returns the reference workload: 4 fibers, primes to 100000,
// and sleeps of 2s and 5s.
func DefaultConfig() Config {
	return Config{
		Dir:        os.TempDir(),
		Fibers:     4,
		PrimeLimit: 100_000,
		ShortSleep: 2 * time.Second,
		LongSleep:  5 * time.Second,
		Timeout:    time.Second,
	}
}

// Result is the outcome of one fiber.
type Result struct {
	Name    string
	Kind    Kind
	Sum     int
	Bytes   int
	Elapsed time.Duration
	Err     error
}

// Run spawns the workload on s and runs it to completion, from the
// scheduler's owner goroutine. Per-fiber failures are reported in the
// results, and joined into the returned error.
func Run(ctx context.Context, s *fibersched.Scheduler, cfg Config) ([]Result, error) {
	if cfg.Fibers < 0 || cfg.PrimeLimit < 0 {
		return nil, errors.New("workload: negative fiber count or prime limit")
	}

	var (
		mu      sync.Mutex
		results []Result
	)
	record := func(res Result) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	}

	start := time.Now()
	var fibers []*fibersched.Fiber
	spawn := func(name string, kind Kind, fn func(f *fibersched.Fiber) (Result, error)) error {
		f, err := s.Spawn(func(f *fibersched.Fiber) error {
			res, err := fn(f)
			res.Name, res.Kind, res.Err = name, kind, err
			res.Elapsed = time.Since(start)
			record(res)
			logResult(cfg.Logger, res)
			return err
		})
		if err != nil {
			return err
		}
		fibers = append(fibers, f)
		return nil
	}

	for i := range cfg.Fibers / 2 {
		name := fmt.Sprintf("cpu %s%d", cfg.Label, i)
		if err := spawn(name, KindCPU, func(f *fibersched.Fiber) (Result, error) {
			sum, err := SumPrimes(f, cfg.PrimeLimit, cfg.YieldEvery)
			return Result{Sum: sum}, err
		}); err != nil {
			return nil, err
		}
	}

	for i := range cfg.Fibers / 2 {
		name := fmt.Sprintf("io %s%d", cfg.Label, i)
		path := filepath.Join(cfg.Dir, fmt.Sprintf("fibersched_%s%d_%d.txt", cfg.Label, i, os.Getpid()))
		var err error
		if i%2 == 0 {
			err = spawn(name, KindWrite, func(f *fibersched.Fiber) (Result, error) {
				n, err := WriteAfterSleep(f, path, cfg.ShortSleep, cfg.Timeout, "Simulated write I/O work for "+name)
				return Result{Bytes: n}, err
			})
		} else {
			err = spawn(name, KindRead, func(f *fibersched.Fiber) (Result, error) {
				n, err := ReadAfterSleep(f, path, cfg.LongSleep, cfg.Timeout, "Content for "+name+" to simulate read")
				return Result{Bytes: n}, err
			})
		}
		if err != nil {
			return nil, err
		}
	}

	if err := s.Run(ctx); err != nil {
		return results, err
	}

	var errs []error
	for _, f := range fibers {
		select {
		case <-f.Done():
			errs = append(errs, f.Err())
		default:
			errs = append(errs, fmt.Errorf("workload: fiber %d did not finish", f.ID()))
		}
	}
	return results, errors.Join(errs...)
}

func logResult(logger *logiface.Logger[logiface.Event], res Result) {
	if res.Err != nil {
		logger.Err().
			Str(`fiber`, res.Name).
			Err(res.Err).
			Log(`work failed`)
		return
	}
	logger.Info().
		Str(`fiber`, res.Name).
		Str(`kind`, string(res.Kind)).
		Int(`sum`, res.Sum).
		Int(`bytes`, res.Bytes).
		Dur(`elapsed`, res.Elapsed).
		Log(`work done`)
}

// IsPrime reports whether n is prime, by trial division.
func IsPrime(n int) bool {
	if n < 2 {
		return false
	}
	for i := 2; i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}

// SumPrimes sums the primes in [1, limit], yielding every yieldEvery
// candidates if positive.
func SumPrimes(f *fibersched.Fiber, limit, yieldEvery int) (int, error) {
	var sum int
	for n := 1; n <= limit; n++ {
		if IsPrime(n) {
			sum += n
		}
		if yieldEvery > 0 && n%yieldEvery == 0 {
			if err := f.Yield(); err != nil {
				return sum, err
			}
		}
	}
	return sum, nil
}

// WriteAfterSleep sleeps, then writes content to a new file at path, which
// is removed afterwards.
func WriteAfterSleep(f *fibersched.Fiber, path string, sleep, timeout time.Duration, content string) (int, error) {
	if err := f.Sleep(sleep); err != nil {
		return 0, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	defer os.Remove(path)
	defer file.Close()
	return writeFull(f, int(file.Fd()), []byte(content), timeout)
}

// ReadAfterSleep creates a file at path holding content, sleeps, then reads
// it back. The file is removed afterwards.
func ReadAfterSleep(f *fibersched.Fiber, path string, sleep, timeout time.Duration, content string) (int, error) {
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return 0, err
	}
	defer os.Remove(path)

	if err := f.Sleep(sleep); err != nil {
		return 0, err
	}

	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	buf := make([]byte, len(content)+1)
	var n int
	for n < len(buf) {
		m, err := f.Pread(int(file.Fd()), buf[n:], int64(n), timeout)
		if err != nil {
			return n, err
		}
		if m == 0 {
			break
		}
		n += m
	}
	if got := string(buf[:n]); got != content {
		return n, fmt.Errorf("workload: read %q, want %q", got, content)
	}
	return n, nil
}

func writeFull(f *fibersched.Fiber, fd int, p []byte, timeout time.Duration) (int, error) {
	var n int
	for n < len(p) {
		m, err := f.Pwrite(fd, p[n:], int64(n), timeout)
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}
