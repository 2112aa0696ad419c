package health

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/tavolohq/edgegate/internal/xerrors"
)

const upstreamDialTimeout = 500 * time.Millisecond

// Upstream returns a readiness probe that checks TCP reachability of the
// proxied application. The gateway stays alive when the upstream is down
// (it still serves 502s), but readiness flips so load balancers route
// around it.
func Upstream(rawURL string) (CheckFunc, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse upstream url %q", rawURL)
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: upstreamDialTimeout}
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return xerrors.Wrap(err, "upstream: not reachable")
		}
		conn.Close()
		return nil
	}, nil
}
