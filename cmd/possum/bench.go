package main

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/anacrolix/possum"
)

// newBenchCmd is adapted from the teacher's brimstore-valuesstore
// benchmark: concurrent clients hammer the store and report throughput.
// Here it drives single_write/single_read_at through a Handle instead of
// ValuesStore.Write/Read.
func newBenchCmd() *cobra.Command {
	var (
		clients int
		number  int
		length  int
		seed    int64
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Write then read a batch of random keys and report throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clients <= 0 {
				clients = runtime.GOMAXPROCS(0)
			}
			h, err := possum.Open(storePath)
			if err != nil {
				return err
			}
			defer h.Close()

			keys := make([][]byte, number)
			r := rand.New(rand.NewSource(seed))
			for i := range keys {
				k := make([]byte, 16)
				r.Read(k)
				keys[i] = k
			}
			value := make([]byte, length)
			r.Read(value)

			runPhase("write", clients, keys, func(k []byte) error {
				_, err := h.SingleWrite(k, value)
				return err
			})

			buf := make([]byte, length)
			var totalBytes int64
			runPhase("read", clients, keys, func(k []byte) error {
				n, err := h.SingleReadAt(k, buf, 0)
				atomic.AddInt64(&totalBytes, int64(n))
				return err
			})
			fmt.Println(totalBytes, "total bytes read")
			return nil
		},
	}
	cmd.Flags().IntVar(&clients, "clients", 0, "concurrent clients (default GOMAXPROCS)")
	cmd.Flags().IntVar(&number, "number", 1000, "number of keys")
	cmd.Flags().IntVar(&length, "length", 1024, "value length")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed")
	return cmd
}

func runPhase(name string, clients int, keys [][]byte, op func([]byte) error) {
	var failed uint64
	begin := time.Now()
	wg := &sync.WaitGroup{}
	wg.Add(clients)
	perClient := (len(keys) + clients - 1) / clients
	for c := 0; c < clients; c++ {
		go func(c int) {
			defer wg.Done()
			start := c * perClient
			end := start + perClient
			if end > len(keys) {
				end = len(keys)
			}
			for i := start; i < end; i++ {
				if err := op(keys[i]); err != nil {
					atomic.AddUint64(&failed, 1)
				}
			}
		}(c)
	}
	wg.Wait()
	dur := time.Since(begin)
	rate := float64(len(keys)) / dur.Seconds()
	fmt.Printf("%s: %s %.0f/s (%d failed)\n", name, dur, rate, failed)
}
