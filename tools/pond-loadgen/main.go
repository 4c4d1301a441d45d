// pond-loadgen is a tiny UDP load generator for a Pond receiver: a pool
// of concurrent workers encoding synthetic datagrams (internal/pond/
// logwire) with a deterministic hot/cold site skew.
//
// Modes:
//   - single: send N records for one site
//   - zipf:   deterministic 80/20 skew between one hot site and coldN cold
//     sites, the same "(i+id)%hotEvery" trick the HTTP version used
//
// Usage examples:
//
//	pond-loadgen -addr=127.0.0.1:5479 -mode=single -site=alice -n=5000 -c=16
//	pond-loadgen -addr=127.0.0.1:5479 -mode=zipf -hot_site=hot-1 -cold_sites=50 -n=8000 -c=16
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pond/internal/pond/logwire"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeZipf   modeType = "zipf"
)

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:5479", "Pond UDP receiver address")
		site     = flag.String("site", "alice", "Site for single mode")
		hotSite  = flag.String("hot_site", "hot-1", "Hot site for zipf mode")
		coldN    = flag.Int("cold_sites", 50, "Number of cold sites to round-robin in zipf mode")
		modeS    = flag.String("mode", string(modeSingle), "Mode: single|zipf")
		N        = flag.Int("n", 5000, "Total records to send")
		conc     = flag.Int("c", 8, "Number of concurrent workers")
		hotEvery = flag.Int("hot_every", 5, "Zipf-like skew period (all but 1 of each period go to hot; minimum 2)")
		errRate  = flag.Int("err_every", 10, "Emit a TypeHTTPError record every this many records (0 disables)")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeZipf {
		if *coldN <= 0 {
			fmt.Fprintln(os.Stderr, "-cold_sites must be > 0 in zipf mode")
			os.Exit(2)
		}
		if *hotEvery < 2 {
			*hotEvery = 2
		}
	}

	raddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve %s: %v\n", *addr, err)
		os.Exit(1)
	}

	start := time.Now()
	var sent, failed int64

	worker := func(id, count int) {
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			atomic.AddInt64(&failed, int64(count))
			return
		}
		defer conn.Close()

		for i := 0; i < count; i++ {
			var s string
			if m == modeSingle {
				s = *site
			} else if ((i + id) % *hotEvery) != 0 {
				s = *hotSite
			} else {
				idx := ((i + id) % *coldN) + 1
				s = fmt.Sprintf("cold-%d", idx)
			}

			typ := logwire.TypeHTTPAccess
			status := uint16(200)
			if *errRate > 0 && (i+id)%*errRate == 0 {
				typ = logwire.TypeHTTPError
				status = 500
			}

			rec := &logwire.Full{
				Summary: logwire.Summary{
					Timestamp:    time.Now(),
					HasTimestamp: true,
					Site:         s,
					HasSite:      true,
					Type:         typ,
				},
				Host:          s + ".example.com",
				HTTPURI:       "/loadgen",
				HTTPStatus:    status,
				HasHTTPStatus: true,
				HTTPMethod:    logwire.MethodGET,
				HasHTTPMethod: true,
				Duration:      time.Duration(i%50) * time.Millisecond,
				HasDuration:   true,
				Generator:     "pond-loadgen",
			}

			if _, err := conn.Write(logwire.Encode(rec)); err != nil {
				atomic.AddInt64(&failed, 1)
				continue
			}
			atomic.AddInt64(&sent, 1)
		}
	}

	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(sent) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s sent=%d failed=%d c=%d go=%d Duration=%s Throughput=%.0f rec/s\n",
		m, sent, failed, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops)
}
