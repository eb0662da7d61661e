// Package netcheck tells the status page whether the frame is reachable and
// at which address.
package netcheck

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/go-ping/ping"
)

// Status is the result of one check.
type Status struct {
	Address   string        `json:"address,omitempty"`
	Gateway   string        `json:"gateway,omitempty"`
	Reachable bool          `json:"reachable"`
	RTT       time.Duration `json:"-"`
	RTTMs     int64         `json:"rtt_ms"`
	Checked   time.Time     `json:"checked"`
	Error     string        `json:"error,omitempty"`
}

// Checker pings periodically and keeps the last result.
type Checker struct {
	gateway  string
	interval time.Duration

	addrs func() ([]net.Addr, error)
	ping  func(host string) (time.Duration, error)

	mu   sync.RWMutex
	last Status
}

// New returns a checker pinging gateway every interval. An empty gateway
// only resolves the local address.
func New(gateway string, interval time.Duration) *Checker {
	return &Checker{
		gateway:  gateway,
		interval: interval,
		addrs:    net.InterfaceAddrs,
		ping:     pingOnce,
	}
}

// Last returns the most recent status.
func (c *Checker) Last() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Check pings once and records the result.
func (c *Checker) Check() Status {
	st := Status{Gateway: c.gateway, Checked: time.Now()}
	addrs, err := c.addrs()
	if err != nil {
		st.Error = err.Error()
	} else {
		st.Address = firstIPv4(addrs)
	}

	switch {
	case st.Address == "":
		if st.Error == "" {
			st.Error = "no IPv4 address"
		}
	case c.gateway == "":
		st.Reachable = true
	default:
		rtt, err := c.ping(c.gateway)
		if err != nil {
			st.Error = err.Error()
			break
		}
		st.Reachable = true
		st.RTT = rtt
		st.RTTMs = rtt.Milliseconds()
	}

	c.mu.Lock()
	c.last = st
	c.mu.Unlock()
	return st
}

// Run checks until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	prev := c.Check().Reachable
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := c.Check()
			if st.Reachable != prev {
				log.Printf("netcheck: reachable=%v address=%s %s", st.Reachable, st.Address, st.Error)
				prev = st.Reachable
			}
		}
	}
}

// firstIPv4 returns the first non-loopback IPv4 address.
func firstIPv4(addrs []net.Addr) string {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

// pingOnce sends one unprivileged (UDP) echo request.
func pingOnce(host string) (time.Duration, error) {
	pinger, err := ping.NewPinger(host)
	if err != nil {
		return 0, err
	}
	pinger.SetPrivileged(false)
	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	if err := pinger.Run(); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("no reply from %s", host)
	}
	return stats.AvgRtt, nil
}
