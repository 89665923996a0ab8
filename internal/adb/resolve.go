package adb

import (
	"context"
	"net"
	"net/netip"

	"github.com/jroosing/hydradns/internal/dns"
)

// defaultResolve looks up a nameserver name via the host resolver. It
// exists only so the ADB is usable out of the box; production deployments
// are expected to seed hints and rely on the iterative resolver itself
// having already cached NS addresses from earlier glue, so this path is a
// fallback of last resort, not the primary address-discovery mechanism.
func defaultResolve(ctx context.Context, name string) ([]netip.Addr, error) {
	host := dns.NormalizeName(name)
	if host == "" {
		host = "."
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.Unmap())
	}
	return out, nil
}
