// Package discovery 在局域网内用 mDNS 广播和查找房间服务实例。
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const pathKey = "path="

type Instance struct {
	Name string
	URL  string // ws://host:port/path
}

// Advertise 注册服务，返回的函数用于注销
func Advertise(instance, service, domain string, port int, wsPath string) (func(), error) {
	server, err := zeroconf.Register(instance, service, domain, port, []string{pathKey + wsPath}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service %s: %w", service, err)
	}
	return server.Shutdown, nil
}

// Browse 收集 ctx 结束前发现的实例
func Browse(ctx context.Context, service, domain string) ([]Instance, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu    sync.Mutex
		found []Instance
	)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for e := range entries {
			if url, ok := entryURL(e); ok {
				mu.Lock()
				found = append(found, Instance{Name: e.Instance, URL: url})
				mu.Unlock()
			}
		}
	}()
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", service, err)
	}
	<-ctx.Done()
	// resolver 在 ctx 结束后关闭 entries
	select {
	case <-closed:
	case <-time.After(200 * time.Millisecond):
	}
	mu.Lock()
	defer mu.Unlock()
	return append([]Instance(nil), found...), nil
}

func entryURL(e *zeroconf.ServiceEntry) (string, bool) {
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return "", false
	}
	path := "/ws"
	for _, t := range e.Text {
		if strings.HasPrefix(t, pathKey) {
			path = strings.TrimPrefix(t, pathKey)
		}
	}
	host := net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))
	return "ws://" + host + path, true
}
