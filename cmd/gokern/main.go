// Command gokern boots the unikernel execution core with a demo workload:
// a set of worker tasks spread across the configured cores, synchronized
// through a semaphore and a futex word.
package main

import (
	"flag"
	"os"
	"sync/atomic"

	"gokern/kernel/config"
	"gokern/kernel/kfmt"
	"gokern/kernel/kmain"
	"gokern/kernel/sched"
	"gokern/kernel/synch"
	"gokern/kernel/syscall"
)

const workers = 4

var (
	jobs    = synch.NewSemaphore(0)
	done    atomic.Uint32
	results [workers]int32
)

func worker(arg uintptr) {
	// Wait for a job unit, do the "work", then report in.
	jobs.Acquire(sched.NoDeadline)
	results[arg] = syscall.Getpid()

	if done.Add(1) == workers {
		// Last worker out wakes whoever waits on the done word.
		synch.FutexWake(&done, 1)
	}
	syscall.ThreadExit(int32(arg))
}

func initTask(uintptr) {
	kfmt.Printf("[init] spawning %d workers\n", workers)

	tids := make([]int32, workers)
	for i := 0; i < workers; i++ {
		if rc := syscall.Spawn(&tids[i], worker, uintptr(i), uint8(sched.PrioNormal), -1, 0); rc != 0 {
			kfmt.Printf("[init] spawn failed: %d\n", rc)
			syscall.Abort()
		}
	}

	// Hand every worker one job unit, then wait on the done word until
	// the last one flips it.
	for i := 0; i < workers; i++ {
		jobs.Release()
	}
	for {
		v := done.Load()
		if v == workers {
			break
		}
		synch.FutexWait(&done, v, synch.NoTimeout, 0)
	}

	for i, tid := range tids {
		var code int32
		syscall.Join(tid, &code)
		kfmt.Printf("[init] worker %d (task %d, saw pid %d) exited with %d\n", i, tid, results[i], code)
	}

	syscall.Exit(0)
}

func main() {
	cfgPath := flag.String("config", "", "path to the boot configuration file")
	flag.Parse()

	cfg := config.Load(*cfgPath)
	os.Exit(int(kmain.Boot(cfg, os.Stdout, initTask, 0)))
}
