package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	nmap "github.com/Ullaakut/nmap/v3"
	"github.com/rs/zerolog"

	"pluginlookup/internal/domain"
)

// NetworkSource discovers providers listening on the network. Every open port
// in the configured range on a reachable host becomes a registration for the
// configured action; the detected service product or name becomes its
// display name.
type NetworkSource struct {
	targets           []string
	portRange         string
	action            string
	timeout           time.Duration
	serviceDetection  bool
	skipHostDiscovery bool
	logger            zerolog.Logger
	run               func(ctx context.Context, opts ...nmap.Option) (*nmap.Run, error)
}

// NetworkOption is a functional option for configuring NetworkSource
type NetworkOption func(*NetworkSource)

// WithPortRange sets the ports to scan
// Format: "80,443,8080" or "1-1000" or "22,80-443,8080"
func WithPortRange(ports string) NetworkOption {
	return func(n *NetworkSource) {
		if validated, err := parsePorts(ports); err == nil {
			n.portRange = validated
		}
	}
}

// WithScanTimeout bounds a single target scan
func WithScanTimeout(d time.Duration) NetworkOption {
	return func(n *NetworkSource) {
		n.timeout = d
	}
}

// WithServiceDetection enables or disables service version detection (-sV)
func WithServiceDetection(enabled bool) NetworkOption {
	return func(n *NetworkSource) {
		n.serviceDetection = enabled
	}
}

// WithSkipHostDiscovery sets whether to skip ping and treat all hosts as online (-Pn)
func WithSkipHostDiscovery(skip bool) NetworkOption {
	return func(n *NetworkSource) {
		n.skipHostDiscovery = skip
	}
}

// WithNetworkLogger sets the logger
func WithNetworkLogger(logger zerolog.Logger) NetworkOption {
	return func(n *NetworkSource) {
		n.logger = logger
	}
}

// NewNetworkSource creates a network source that registers what it finds
// under action.
func NewNetworkSource(targets []string, action string, opts ...NetworkOption) *NetworkSource {
	n := &NetworkSource{
		targets:          targets,
		action:           action,
		portRange:        "7400-7410",
		timeout:          2 * time.Minute,
		serviceDetection: true,
		logger:           zerolog.Nop(),
		run:              runNmap,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Query implements Source
func (n *NetworkSource) Query(ctx context.Context, action string) ([]domain.Registration, error) {
	if action != "" && action != n.action {
		return nil, nil
	}
	if len(n.targets) == 0 {
		return nil, errors.New("no network targets configured")
	}

	var (
		out  []domain.Registration
		errs []error
	)
	for _, target := range n.targets {
		regs, err := n.scanTarget(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			n.logger.Warn().Err(err).Str("target", target).Msg("network scan failed")
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}
		out = append(out, regs...)
	}

	switch {
	case len(errs) == 0:
		return out, nil
	case len(errs) == len(n.targets):
		return nil, errors.Join(errs...)
	default:
		return out, &PartialError{Errs: errs}
	}
}

func (n *NetworkSource) scanTarget(ctx context.Context, target string) ([]domain.Registration, error) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	opts := []nmap.Option{
		nmap.WithTargets(target),
		nmap.WithPorts(n.portRange),
	}
	if n.serviceDetection {
		opts = append(opts, nmap.WithServiceInfo())
	}
	if n.skipHostDiscovery {
		opts = append(opts, nmap.WithSkipHostDiscovery())
	}

	n.logger.Debug().Str("target", target).Str("ports", n.portRange).Msg("scanning target")
	result, err := n.run(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return n.processResults(result)
}

func runNmap(ctx context.Context, opts ...nmap.Option) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}

	result, _, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return result, nil
}

// processResults converts nmap results into registrations
func (n *NetworkSource) processResults(result *nmap.Run) ([]domain.Registration, error) {
	if result == nil {
		return nil, fmt.Errorf("nil scan result")
	}

	var regs []domain.Registration
	for _, host := range result.Hosts {
		if host.Status.State != "up" || len(host.Addresses) == 0 {
			continue
		}

		ip := primaryAddress(host)
		for _, port := range host.Ports {
			if port.State.State != "open" {
				continue
			}

			meta := map[string]string{}
			if name := serviceName(port.Service); name != "" {
				meta[domain.MetaName] = name
			}
			if port.Service.Version != "" {
				meta["version"] = port.Service.Version
			}
			if len(host.Hostnames) > 0 {
				meta["hostname"] = host.Hostnames[0].Name
			}

			regs = append(regs, domain.Registration{
				Module:     ip,
				EntryPoint: strconv.Itoa(int(port.ID)) + "/" + port.Protocol,
				Actions:    []string{n.action},
				Metadata:   meta,
				Source:     "network",
			})
		}
	}
	return regs, nil
}

func primaryAddress(host nmap.Host) string {
	for _, addr := range host.Addresses {
		if addr.AddrType == "ipv4" {
			return addr.Addr
		}
	}
	return host.Addresses[0].Addr
}

// serviceName prefers the detected product. nmap reports "unknown" for
// unidentified services, which counts as no name.
func serviceName(svc nmap.Service) string {
	if svc.Product != "" {
		return svc.Product
	}
	if svc.Name != "" && svc.Name != "unknown" {
		return svc.Name
	}
	return ""
}

func parsePorts(portRange string) (string, error) {
	for _, part := range strings.Split(portRange, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil || start < 1 || start > 65535 {
				return "", fmt.Errorf("invalid port number: %s", lo)
			}
			end, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || end < start || end > 65535 {
				return "", fmt.Errorf("invalid port number: %s", hi)
			}
			continue
		}
		port, err := strconv.Atoi(part)
		if err != nil || port < 1 || port > 65535 {
			return "", fmt.Errorf("invalid port number: %s", part)
		}
	}
	return portRange, nil
}
