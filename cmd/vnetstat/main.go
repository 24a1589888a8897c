// Command vnetstat periodically prints the transmit/receive counters of
// a running vnetd instance's shared statistics file, in the spirit of
// ethtool -S.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/vnetkit/virtio-net-go/vnet"
)

// dumpFile is the JSON encoding a companion process (vnetd, when run
// with -stats-file) writes its vnet.Snapshot to, since this driver has
// no persistent state or IPC channel of its own to query counters over.
type dumpFile struct {
	Snapshot vnet.Snapshot `json:"snapshot"`
}

func main() {
	fPath := flag.String("stats-file", "", "path to a JSON file periodically written by vnetd")
	fInterval := flag.Duration("interval", time.Second, "poll interval")
	fName := flag.String("name", "vnet0", "interface name to print in the header")
	flag.Parse()

	if *fPath == "" {
		fmt.Fprintln(os.Stderr, "vnetstat: -stats-file is required")
		os.Exit(2)
	}

	p := message.NewPrinter(language.English)

	var prev vnet.Snapshot
	first := true

	ticker := time.NewTicker(*fInterval)
	defer ticker.Stop()

	for range ticker.C {
		cur, err := readSnapshot(*fPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vnetstat: %v\n", err)
			continue
		}
		printSnapshot(os.Stdout, p, *fName, prev, cur, first, *fInterval)
		prev = cur
		first = false
	}
}

func readSnapshot(path string) (vnet.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return vnet.Snapshot{}, err
	}
	var df dumpFile
	if err := json.Unmarshal(data, &df); err != nil {
		return vnet.Snapshot{}, err
	}
	return df.Snapshot, nil
}

// printSnapshot renders one interface's counters, TX then RX, each as a
// raw count alongside a humanized and a comma-grouped byte count.
func printSnapshot(w io.Writer, p *message.Printer, name string, prev, cur vnet.Snapshot, first bool, interval time.Duration) {
	fmt.Fprintf(w, "%s :\n", name)
	fmt.Fprintf(w, "  TX   %-12d  ~ %-8s (%s bytes)\n",
		cur.TxPackets, humanize.Bytes(cur.TxBytes), humanize.Comma(int64(cur.TxBytes)))
	fmt.Fprintf(w, "  RX   %-12d  ~ %-8s (%s bytes)\n",
		cur.RxPackets, humanize.Bytes(cur.RxBytes), humanize.Comma(int64(cur.RxBytes)))
	p.Fprintf(w, "  errors: %d tx, %d rx drops, %d rx csum   doorbells: %d issued, %d host-needed\n",
		cur.TxErrors, cur.RxDrops, cur.RxCsumErr, cur.TxKicks, cur.TxHostKicks)

	if !first {
		secs := interval.Seconds()
		txPPS := float64(cur.TxPackets-prev.TxPackets) / secs
		rxPPS := float64(cur.RxPackets-prev.RxPackets) / secs
		p.Fprintf(w, "  rate: %.0f tx pps, %.0f rx pps\n", txPPS, rxPPS)
	}
}
