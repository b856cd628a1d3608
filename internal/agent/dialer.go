package agent

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

const dialKeepAlive = 30 * time.Second

// newDialer returns the dialer used for destinations: direct, or through the
// upstream proxy URL when one is configured.
func newDialer(upstream string, timeout time.Duration) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: timeout, KeepAlive: dialKeepAlive}
	if upstream == "" {
		return direct, nil
	}

	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream proxy: %w", err)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("upstream proxy %s: %w", u.Redacted(), err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("upstream proxy %s: dialer does not support contexts", u.Redacted())
	}
	return cd, nil
}
